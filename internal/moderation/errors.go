package moderation

import (
	"fmt"
)

// CapacityError is returned when a subscription would exceed its cap.
// The rejected operation leaves existing subscriptions untouched.
type CapacityError struct {
	Kind  string // "labeler" or "mute_list"
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s subscription limit reached (%d)", e.Kind, e.Limit)
}

// TransportError reports a failed subscription on the external event source.
// The affected source is marked unavailable; decisions keep using the last
// committed state.
type TransportError struct {
	Source string
	Err    error
}

func (e *TransportError) Error() string {
	return "transport error for " + e.Source + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "moderation config error in " + e.Field + ": " + e.Message
}
