package entitlement

import "errors"

var (
	// ErrRecordNotFound is returned when no entitlement record exists for a user
	ErrRecordNotFound = errors.New("entitlement record not found")

	// ErrUnresolvableUser is returned when an event carries no usable user identifier
	ErrUnresolvableUser = errors.New("user identifier missing or anonymous")

	// ErrInvalidAmount is returned for negative credit amounts
	ErrInvalidAmount = errors.New("invalid credit amount")

	// ErrStoreUnavailable is returned when the datastore cannot be reached
	ErrStoreUnavailable = errors.New("entitlement store unavailable")
)
