package workforce

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/rosterhq/integrations/pkg/entitlement"
	"github.com/rosterhq/integrations/pkg/httpx"
)

// TokenStore persists one OAuth token per organisation.
type TokenStore interface {
	SaveToken(ctx context.Context, orgID string, token *oauth2.Token) error
	Token(ctx context.Context, orgID string) (*oauth2.Token, error)
}

// MemoryTokenStore is an in-process TokenStore for tests and development.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*oauth2.Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]*oauth2.Token)}
}

func (s *MemoryTokenStore) SaveToken(_ context.Context, orgID string, token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[orgID] = token
	return nil
}

func (s *MemoryTokenStore) Token(_ context.Context, orgID string) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[orgID]
	if !ok {
		return nil, ErrNotConnected
	}
	return token, nil
}

// ConnectorConfig configures the OAuth connection to a workforce provider.
type ConnectorConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string

	TokenStore TokenStore // defaults to MemoryTokenStore
	Logger     entitlement.Logger
}

// Connector manages the OAuth authorisation-code flow against a workforce
// provider and hands out authenticated HTTP clients that refresh themselves.
type Connector struct {
	oauth  *oauth2.Config
	store  TokenStore
	logger entitlement.Logger
}

func NewConnector(config ConnectorConfig) (*Connector, error) {
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, fmt.Errorf("client id and secret are required")
	}
	if config.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}

	store := config.TokenStore
	if store == nil {
		store = NewMemoryTokenStore()
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}

	return &Connector{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.AuthURL,
				TokenURL: config.TokenURL,
			},
		},
		store:  store,
		logger: logger,
	}, nil
}

// AuthCodeURL returns the provider consent page URL. State carries the
// organisation id so the callback knows which org is connecting.
func (c *Connector) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange swaps the authorisation code for a token and persists it.
func (c *Connector) Exchange(ctx context.Context, orgID, code string) error {
	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("token exchange failed: %w", err)
	}
	if err := c.store.SaveToken(ctx, orgID, token); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	c.logger.Info("workforce provider connected",
		entitlement.Field{Key: "orgId", Value: orgID})
	return nil
}

// HTTPClient returns a client that authenticates requests for the
// organisation, refreshing the token as needed. Refreshed tokens are written
// back to the store so the refresh survives a restart.
func (c *Connector) HTTPClient(ctx context.Context, orgID string) (*http.Client, error) {
	token, err := c.store.Token(ctx, orgID)
	if err != nil {
		return nil, err
	}

	source := &savingTokenSource{
		ctx:    ctx,
		orgID:  orgID,
		store:  c.store,
		source: c.oauth.TokenSource(ctx, token),
		last:   token,
	}
	return oauth2.NewClient(ctx, source), nil
}

// CallbackHandler completes the authorisation-code flow. The provider
// redirects here with ?code=...&state=<orgID>.
func (c *Connector) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		orgID := r.URL.Query().Get("state")
		if code == "" || orgID == "" {
			_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "code and state are required"})
			return
		}
		if err := c.Exchange(r.Context(), orgID, code); err != nil {
			c.logger.Error("oauth callback failed",
				entitlement.Field{Key: "orgId", Value: orgID},
				entitlement.Field{Key: "error", Value: err.Error()})
			_ = httpx.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "token exchange failed"})
			return
		}
		_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "connected", "orgId": orgID})
	}
}

// savingTokenSource wraps a refreshing token source and persists every new
// token it observes.
type savingTokenSource struct {
	ctx    context.Context
	orgID  string
	store  TokenStore
	source oauth2.TokenSource

	mu   sync.Mutex
	last *oauth2.Token
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.source.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := s.last == nil || token.AccessToken != s.last.AccessToken
	s.last = token
	s.mu.Unlock()

	if changed {
		if err := s.store.SaveToken(s.ctx, s.orgID, token); err != nil {
			return token, nil // token still usable, persistence is best effort
		}
	}
	return token, nil
}
