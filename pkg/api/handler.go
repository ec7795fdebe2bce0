package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

const (
	statusNone   = "none"
	maxUserIDLen = 255
	maxGrantBody = 4 * 1024
)

// Handler provides HTTP endpoints for entitlement inspection and admin
// credit grants.
type Handler struct {
	config Config
}

// GetUsage returns the user's entitlement standing. Users without a record
// get the free-tier default rather than a 404, so clients can render a
// consistent account page. Pass ?history=1 to include the audit trail.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	record, err := h.config.Store.Get(r.Context(), userID)
	if err != nil && !errors.Is(err, entitlement.ErrRecordNotFound) {
		h.handleError(w, r, fmt.Errorf("failed to load entitlement: %w", err), http.StatusInternalServerError)
		return
	}

	response := UsageResponse{
		UserID:       userID,
		Tier:         entitlement.TierFree,
		BillingCycle: entitlement.CycleMonthly,
		Status:       statusNone,
	}
	if record != nil {
		response.Tier = record.Tier
		response.BillingCycle = record.BillingCycle
		if record.SubscriptionStatus != "" {
			response.Status = string(record.SubscriptionStatus)
		}
		response.CancelAtPeriodEnd = record.CancelAtPeriodEnd
		response.SubscriptionPeriodEnd = record.SubscriptionPeriodEnd
		response.Credits = creditUsage(record)
		if r.URL.Query().Get("history") == "1" {
			response.History = record.Transactions
		}
	}

	h.writeJSON(w, http.StatusOK, response)
}

// GrantCredits adds purchased credits to the user's balance outside of a
// checkout, for support comps and migrations. The write is idempotent on the
// request's event id.
func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req GrantRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxGrantBody)).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("malformed JSON payload"), http.StatusBadRequest)
		return
	}
	if req.Credits <= 0 {
		h.handleError(w, r, entitlement.ErrInvalidAmount, http.StatusBadRequest)
		return
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = "grant_" + uuid.NewString()
	}

	tx := entitlement.Transaction{
		ID:         uuid.NewString(),
		EventID:    eventID,
		Type:       entitlement.TxCreditPack,
		NewCredits: req.Credits,
		Quantity:   req.Credits,
		Timestamp:  time.Now().UTC(),
	}
	if err := h.config.Store.AddPurchasedCredits(r.Context(), userID, req.Credits, tx); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to grant credits: %w", err), http.StatusInternalServerError)
		return
	}

	h.config.Logger.Info("admin credit grant applied",
		entitlement.Field{Key: "userId", Value: userID},
		entitlement.Field{Key: "credits", Value: req.Credits},
		entitlement.Field{Key: "eventId", Value: eventID},
		entitlement.Field{Key: "reason", Value: req.Reason})

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "granted",
		"event_id": eventID,
		"credits":  req.Credits,
	})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen || userID == entitlement.AnonymousUserID {
		h.handleError(w, r, fmt.Errorf("invalid user ID"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func creditUsage(record *entitlement.Record) CreditUsage {
	remaining := record.ReviewCredits - record.ReviewCreditsUsed
	if remaining < 0 {
		remaining = 0
	}
	return CreditUsage{
		Granted:   record.ReviewCredits,
		Used:      record.ReviewCreditsUsed,
		Purchased: record.PurchasedCredits,
		Available: remaining + record.PurchasedCredits,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		return
	}
}

// handleError writes errors with the handler's chosen status code, unless
// the caller installed its own OnError.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}
