package assistant

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rosterhq/integrations/pkg/entitlement"
	"github.com/rosterhq/integrations/pkg/httpx"
)

const maxChatBody = 64 * 1024

// chatPayload is the request accepted by the assistant endpoint. Callers
// either send raw messages, or name a template plus its variables; both may
// be combined, in which case the rendered template is appended as the final
// user message.
type chatPayload struct {
	Template    string            `json:"template,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Messages    []Message         `json:"messages,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandlerConfig configures the assistant HTTP handler.
type HandlerConfig struct {
	Client    *Client
	Templates *TemplateRegistry // defaults to the builtin registry
	Logger    entitlement.Logger
}

// Handler proxies chat requests to the completion provider, rendering a
// named prompt template first when one is requested.
type Handler struct {
	client    *Client
	templates *TemplateRegistry
	logger    entitlement.Logger
}

func NewHandler(config HandlerConfig) (*Handler, error) {
	if config.Client == nil {
		return nil, ErrNotConfigured
	}
	templates := config.Templates
	if templates == nil {
		templates = NewTemplateRegistry()
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &Handler{client: config.Client, templates: templates, logger: logger}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := httpx.ReadBodyStrict(w, r, maxChatBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httpx.ErrPayloadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		_ = httpx.WriteJSON(w, status, errorResponse{Error: "invalid request body"})
		return
	}

	var payload chatPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		_ = httpx.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON payload"})
		return
	}

	messages := payload.Messages
	if payload.Template != "" {
		prompt, err := h.templates.Render(payload.Template, payload.Variables)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrTemplateNotFound) {
				status = http.StatusNotFound
			}
			_ = httpx.WriteJSON(w, status, errorResponse{Error: err.Error()})
			return
		}
		messages = append(messages, Message{Role: "user", Content: prompt})
	}
	if len(messages) == 0 {
		_ = httpx.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "template or messages required"})
		return
	}

	start := time.Now()
	raw, err := h.client.Complete(r.Context(), messages, payload.Temperature)
	if err != nil {
		h.logger.Error("chat completion failed",
			entitlement.Field{Key: "template", Value: payload.Template},
			entitlement.Field{Key: "error", Value: err.Error()})
		_ = httpx.WriteJSON(w, http.StatusBadGateway, errorResponse{Error: "upstream request failed"})
		return
	}
	h.logger.Debug("chat completion served",
		entitlement.Field{Key: "template", Value: payload.Template},
		entitlement.Field{Key: "durationMs", Value: time.Since(start).Milliseconds()})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
