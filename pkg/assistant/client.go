package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

const (
	defaultEndpoint   = "https://api.openai.com/v1/chat/completions"
	defaultModel      = "gpt-4o-mini"
	defaultTimeout    = 60 * time.Second
	maxUpstreamRetry  = 3
	retryInitialDelay = time.Second
)

// Message is one turn of a chat completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type upstreamError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Config configures the chat completion client.
type Config struct {
	// APIKey authenticates against the upstream provider. Required.
	APIKey string

	// Endpoint overrides the chat completions URL, e.g. for a proxy or a
	// compatible self-hosted model.
	Endpoint string

	// Model names the upstream model to use.
	Model string

	HTTPClient *http.Client
	Logger     entitlement.Logger
}

// Client forwards rendered prompts to a hosted chat-completions-style
// endpoint and hands the provider response back verbatim.
type Client struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
	logger     entitlement.Logger
}

func NewClient(config Config) (*Client, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, ErrNotConfigured
	}

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	model := config.Model
	if model == "" {
		model = defaultModel
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}

	return &Client{
		apiKey:     config.APIKey,
		endpoint:   endpoint,
		model:      model,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Complete sends the conversation upstream and returns the provider's JSON
// response body unmodified. Rate limits and server errors are retried with
// exponential backoff; other failures return immediately.
func (c *Client) Complete(ctx context.Context, messages []Message, temperature *float64) (json.RawMessage, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxUpstreamRetry; attempt++ {
		if attempt > 0 {
			delay := retryInitialDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusOK {
			return respBody, nil
		}

		var ue upstreamError
		if json.Unmarshal(respBody, &ue) == nil && ue.Error.Message != "" {
			lastErr = fmt.Errorf("%w: %d: %s", ErrUpstream, resp.StatusCode, ue.Error.Message)
		} else {
			lastErr = fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			c.logger.Warn("assistant upstream retry",
				entitlement.Field{Key: "status", Value: resp.StatusCode},
				entitlement.Field{Key: "attempt", Value: attempt + 1})
			continue
		}
		return nil, lastErr
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}
