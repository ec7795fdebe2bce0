package workforce

import (
	"errors"
	"net/http"
	"time"

	"github.com/rosterhq/integrations/pkg/entitlement"
	"github.com/rosterhq/integrations/pkg/httpx"
)

// rosterResponse is the roster sync endpoint payload: the synced roster
// annotated with compliance violations.
type rosterResponse struct {
	Roster     *Roster     `json:"roster"`
	Violations []Violation `json:"violations"`
}

// SyncHandler serves GET /roster?org=...&week_start=RFC3339, pulling the
// week's roster from the connected provider and annotating it.
func SyncHandler(client *RosterClient, logger entitlement.Logger) http.HandlerFunc {
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		orgID := r.URL.Query().Get("org")
		if orgID == "" {
			_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "org is required"})
			return
		}

		weekStart := startOfWeekUTC(time.Now())
		if raw := r.URL.Query().Get("week_start"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				_ = httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "week_start must be RFC3339"})
				return
			}
			weekStart = parsed
		}

		roster, err := client.FetchRoster(r.Context(), orgID, weekStart)
		if err != nil {
			status := http.StatusBadGateway
			switch {
			case errors.Is(err, ErrNotConnected):
				status = http.StatusConflict
			case errors.Is(err, ErrTokenExpired):
				status = http.StatusUnauthorized
			}
			logger.Error("roster sync failed",
				entitlement.Field{Key: "orgId", Value: orgID},
				entitlement.Field{Key: "error", Value: err.Error()})
			_ = httpx.WriteJSON(w, status, map[string]string{"error": err.Error()})
			return
		}

		_ = httpx.WriteJSON(w, http.StatusOK, rosterResponse{
			Roster:     roster,
			Violations: EvaluateRoster(roster),
		})
	}
}

func startOfWeekUTC(t time.Time) time.Time {
	t = t.UTC()
	day := t.Truncate(24 * time.Hour)
	offset := (int(day.Weekday()) + 6) % 7 // Monday start
	return day.AddDate(0, 0, -offset)
}
