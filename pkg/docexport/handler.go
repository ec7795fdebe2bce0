package docexport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rosterhq/integrations/pkg/entitlement"
	"github.com/rosterhq/integrations/pkg/httpx"
)

// exportPayload is the export endpoint request.
type exportPayload struct {
	HTML     string `json:"html"`
	Format   string `json:"format,omitempty"`   // pdf (default) or docx
	Filename string `json:"filename,omitempty"` // without extension
}

// Handler converts posted HTML and streams the document back as an
// attachment.
func Handler(client *Client, logger entitlement.Logger) http.HandlerFunc {
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := httpx.ReadBodyStrict(w, r, maxDocumentIn)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, httpx.ErrPayloadTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			_ = httpx.WriteJSON(w, status, map[string]string{"error": "invalid request body"})
			return
		}

		var payload exportPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON payload"})
			return
		}
		if strings.TrimSpace(payload.HTML) == "" {
			_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "html is required"})
			return
		}

		format := Format(payload.Format)
		if format == "" {
			format = FormatPDF
		}

		doc, err := client.Convert(r.Context(), []byte(payload.HTML), format)
		if err != nil {
			if errors.Is(err, ErrUnsupportedFormat) {
				_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			logger.Error("document export failed",
				entitlement.Field{Key: "format", Value: string(format)},
				entitlement.Field{Key: "error", Value: err.Error()})
			_ = httpx.WriteJSON(w, http.StatusBadGateway, map[string]string{"error": "conversion service failed"})
			return
		}

		filename := strings.TrimSpace(payload.Filename)
		if filename == "" {
			filename = "document"
		}

		w.Header().Set("Content-Type", formatContentTypes[format])
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename+"."+string(format)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc)
	}
}
