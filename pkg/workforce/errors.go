package workforce

import "errors"

var (
	// ErrNotConnected indicates no OAuth token is stored for the organisation.
	ErrNotConnected = errors.New("workforce provider not connected")

	// ErrTokenExpired indicates the stored token is no longer usable and a
	// re-authorisation is required.
	ErrTokenExpired = errors.New("workforce provider token expired")

	// ErrProviderUnavailable indicates the provider API request failed.
	ErrProviderUnavailable = errors.New("workforce provider unavailable")
)
