package assistant

import "errors"

var (
	// ErrTemplateNotFound indicates a render request named an unknown template.
	ErrTemplateNotFound = errors.New("prompt template not found")

	// ErrNotConfigured indicates the upstream API key or endpoint is missing.
	ErrNotConfigured = errors.New("assistant upstream not configured")

	// ErrUpstream indicates the chat completion provider rejected or failed
	// the request after retries.
	ErrUpstream = errors.New("assistant upstream request failed")
)
