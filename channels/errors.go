package channels

import "fmt"

// ErrChannelNotFound is returned when an operation targets a channel the
// dispatcher is not running.
type ErrChannelNotFound struct {
	Channel string
}

func (e *ErrChannelNotFound) Error() string {
	return fmt.Sprintf("channels: channel not found: %s", e.Channel)
}

// ErrSendFailed is returned when a message could not be delivered to the
// platform.
type ErrSendFailed struct {
	Channel  string
	Platform string
	Cause    error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("channels: send failed on %s (%s): %v", e.Channel, e.Platform, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

// APIError is a Bot API reply with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}
