package workforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

const rosterWindow = 7 * 24 * time.Hour

// RosterClientConfig configures the roster sync client.
type RosterClientConfig struct {
	// BaseURL is the workforce provider's API root, e.g.
	// https://api.provider.example/v1.
	BaseURL string

	Connector *Connector
	Logger    entitlement.Logger
}

// RosterClient pulls employees and shifts from the workforce provider using
// the organisation's OAuth token.
type RosterClient struct {
	baseURL   string
	connector *Connector
	logger    entitlement.Logger
}

func NewRosterClient(config RosterClientConfig) (*RosterClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if config.Connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	return &RosterClient{baseURL: config.BaseURL, connector: config.Connector, logger: logger}, nil
}

// Provider wire types. Field names follow the provider's API, not ours.
type providerEmployee struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Position  string `json:"position"`
}

type providerShift struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employee_id"`
	Position   string `json:"position"`
	Location   string `json:"location"`
	StartsAt   int64  `json:"starts_at"`
	EndsAt     int64  `json:"ends_at"`
}

// FetchRoster retrieves one week of shifts starting at weekStart, together
// with the employees referenced by those shifts.
func (c *RosterClient) FetchRoster(ctx context.Context, orgID string, weekStart time.Time) (*Roster, error) {
	httpClient, err := c.connector.HTTPClient(ctx, orgID)
	if err != nil {
		return nil, err
	}

	weekStart = weekStart.UTC()
	weekEnd := weekStart.Add(rosterWindow)

	var shifts []providerShift
	query := url.Values{}
	query.Set("from", weekStart.Format(time.RFC3339))
	query.Set("to", weekEnd.Format(time.RFC3339))
	if err := c.getJSON(ctx, httpClient, "/shifts?"+query.Encode(), &shifts); err != nil {
		return nil, providerError("shifts", err)
	}

	var employees []providerEmployee
	if err := c.getJSON(ctx, httpClient, "/employees", &employees); err != nil {
		return nil, providerError("employees", err)
	}

	roster := &Roster{
		OrgID:     orgID,
		WeekStart: weekStart,
		Shifts:    make([]Shift, 0, len(shifts)),
		Employees: make([]Employee, 0, len(employees)),
	}

	referenced := make(map[string]bool, len(shifts))
	for _, ps := range shifts {
		roster.Shifts = append(roster.Shifts, Shift{
			ID:         ps.ID,
			EmployeeID: ps.EmployeeID,
			Role:       ps.Position,
			Location:   ps.Location,
			Start:      time.Unix(ps.StartsAt, 0).UTC(),
			End:        time.Unix(ps.EndsAt, 0).UTC(),
		})
		referenced[ps.EmployeeID] = true
	}
	for _, pe := range employees {
		if !referenced[pe.ID] {
			continue
		}
		name := pe.FirstName
		if pe.LastName != "" {
			name += " " + pe.LastName
		}
		roster.Employees = append(roster.Employees, Employee{
			ID:    pe.ID,
			Name:  name,
			Email: pe.Email,
			Role:  pe.Position,
		})
	}

	c.logger.Info("roster synced",
		entitlement.Field{Key: "orgId", Value: orgID},
		entitlement.Field{Key: "shifts", Value: len(roster.Shifts)},
		entitlement.Field{Key: "employees", Value: len(roster.Employees)})
	return roster, nil
}

// providerError keeps ErrTokenExpired visible to callers so the handler can
// map it to 401 instead of a generic upstream failure.
func providerError(resource string, err error) error {
	if errors.Is(err, ErrTokenExpired) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, resource, err)
}

func (c *RosterClient) getJSON(ctx context.Context, client *http.Client, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrTokenExpired
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
