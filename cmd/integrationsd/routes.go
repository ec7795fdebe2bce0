package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rosterhq/integrations/pkg/api"
	"github.com/rosterhq/integrations/pkg/assistant"
	stripeprovider "github.com/rosterhq/integrations/pkg/billing/stripe"
	"github.com/rosterhq/integrations/pkg/docexport"
	"github.com/rosterhq/integrations/pkg/entitlement"
	"github.com/rosterhq/integrations/pkg/httpx"
	"github.com/rosterhq/integrations/pkg/workforce"
)

type routerDeps struct {
	log          zerolog.Logger
	appLogger    entitlement.Logger
	registry     *prometheus.Registry
	provider     *stripeprovider.Provider
	entitlements *api.Handler
	assistant    *assistant.Handler
	workforce    *workforceComponents
	docexport    *docexport.Client
}

func buildRouter(deps routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(90 * time.Second))
	r.Use(httpx.WithCORS(httpx.CORSPolicy{
		AllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         10 * time.Minute,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.registry, promhttp.HandlerOpts{}))

	if deps.provider != nil {
		webhookLimiter := httpx.NewRateLimiter(120, time.Minute)
		r.Method(http.MethodPost, "/webhooks/stripe", webhookLimiter.Middleware(deps.provider.WebhookHandler()))
		r.Post("/billing/checkout", checkoutHandler(deps.provider))
		r.Post("/billing/checkout/payment", paymentCheckoutHandler(deps.provider))
		r.Post("/billing/portal", portalHandler(deps.provider))
		r.Post("/billing/sync", syncHandler(deps.provider, deps.log))
	}

	if deps.entitlements != nil {
		r.Get("/entitlements", deps.entitlements.GetUsage)
		r.Post("/entitlements/credits", deps.entitlements.GrantCredits)
	}

	if deps.assistant != nil {
		r.Post("/assistant/chat", deps.assistant.ServeHTTP)
	}

	if deps.workforce != nil && deps.workforce.connector != nil {
		r.Get("/workforce/oauth/connect", connectHandler(deps.workforce.connector))
		r.Get("/workforce/oauth/callback", deps.workforce.connector.CallbackHandler())
		if deps.workforce.roster != nil {
			r.Get("/workforce/roster", workforce.SyncHandler(deps.workforce.roster, deps.appLogger))
		}
	}

	if deps.docexport != nil {
		r.Post("/export/document", docexport.Handler(deps.docexport, deps.appLogger))
	}

	return r
}

type checkoutRequest struct {
	UserID     string `json:"userId"`
	Email      string `json:"email,omitempty"`
	PriceID    string `json:"priceId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

func checkoutHandler(provider *stripeprovider.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON payload"})
			return
		}
		url, err := provider.CheckoutURL(r.Context(), stripeprovider.CheckoutParams{
			UserID:        req.UserID,
			CustomerEmail: req.Email,
			PriceID:       req.PriceID,
			SuccessURL:    req.SuccessURL,
			CancelURL:     req.CancelURL,
		})
		if err != nil {
			_ = httpx.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

type paymentCheckoutRequest struct {
	UserID       string `json:"userId"`
	PriceID      string `json:"priceId"`
	PurchaseType string `json:"purchaseType"`
	Credits      int    `json:"credits,omitempty"`
	Quantity     int64  `json:"quantity,omitempty"`
	SuccessURL   string `json:"successUrl"`
	CancelURL    string `json:"cancelUrl"`
}

func paymentCheckoutHandler(provider *stripeprovider.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req paymentCheckoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON payload"})
			return
		}
		url, err := provider.PaymentURL(r.Context(), stripeprovider.PaymentParams{
			UserID:       req.UserID,
			PriceID:      req.PriceID,
			PurchaseType: req.PurchaseType,
			Credits:      req.Credits,
			Quantity:     req.Quantity,
			SuccessURL:   req.SuccessURL,
			CancelURL:    req.CancelURL,
		})
		if err != nil {
			_ = httpx.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
			return
		}
		_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

type portalRequest struct {
	UserID    string `json:"userId"`
	ReturnURL string `json:"returnUrl,omitempty"`
}

func portalHandler(provider *stripeprovider.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req portalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON payload"})
			return
		}
		url, err := provider.PortalURL(r.Context(), req.UserID, req.ReturnURL)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, entitlement.ErrUnresolvableUser) {
				status = http.StatusBadRequest
			}
			_ = httpx.WriteJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

type syncRequest struct {
	UserID string `json:"userId"`
}

func syncHandler(provider *stripeprovider.Provider, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req syncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON payload"})
			return
		}
		tier, err := provider.SyncUser(r.Context(), req.UserID)
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, entitlement.ErrUnresolvableUser) {
				status = http.StatusBadRequest
			}
			log.Warn().Err(err).Str("userId", req.UserID).Msg("user sync failed")
			_ = httpx.WriteJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "synced", "tier": tier})
	}
}

func connectHandler(connector *workforce.Connector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orgID := r.URL.Query().Get("org")
		if orgID == "" {
			_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "org is required"})
			return
		}
		http.Redirect(w, r, connector.AuthCodeURL(orgID), http.StatusFound)
	}
}
