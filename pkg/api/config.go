package api

import (
	"fmt"
	"net/http"

	"github.com/rosterhq/integrations/pkg/entitlement"
)

// Config holds configuration for the entitlement API handler.
type Config struct {
	// Store is the entitlement datastore (required).
	Store entitlement.Store

	// GetUserID extracts the user id from an HTTP request (required).
	GetUserID func(*http.Request) string

	// OnError handles errors. If nil, a JSON error body is written with the
	// handler's chosen status code.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional.
	Logger entitlement.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates an entitlement API handler.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Helper functions for common user id extraction patterns.

// FromHeader returns a GetUserID function that reads a request header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromQuery returns a GetUserID function that reads a query parameter.
func FromQuery(param string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.URL.Query().Get(param)
	}
}

// FromContext returns a GetUserID function that reads the request context,
// for use behind an auth middleware that stores the user id there.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
