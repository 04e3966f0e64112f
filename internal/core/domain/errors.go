package domain

import (
	"errors"
	"fmt"
)

var (
	ErrChannelMissing   = errors.New("channel missing")
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrDeviceBusy       = errors.New("capture device busy")
	ErrNotConnected     = errors.New("relay client not connected")
	ErrNoLocalTracks    = errors.New("no local tracks")
	ErrClientClosed     = errors.New("relay client closed")
	ErrInvalidRole      = errors.New("invalid role")
	ErrNotPublisher     = errors.New("audience handle cannot publish")
)

// JoinReason classifies why a join failed.
type JoinReason string

const (
	ReasonChannelMissing   JoinReason = "channel_missing"
	ReasonInvalidRole      JoinReason = "invalid_role"
	ReasonConnectFailed    JoinReason = "connect_failed"
	ReasonPermissionDenied JoinReason = "permission_denied"
	ReasonDeviceBusy       JoinReason = "device_busy"
	ReasonPublishFailed    JoinReason = "publish_failed"
	ReasonCancelled        JoinReason = "cancelled"
)

// JoinError is returned by a failed join after state has been restored to idle.
type JoinError struct {
	Reason  JoinReason
	Channel string
	Role    Role
	Err     error
}

func (e *JoinError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("join %s as %s: %s: %v", e.Channel, e.Role, e.Reason, e.Err)
	}
	return fmt.Sprintf("join %s as %s: %s", e.Channel, e.Role, e.Reason)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// CleanupWarning records a failed best-effort teardown step. It is logged, never returned.
type CleanupWarning struct {
	Step   string
	Handle Role
	Err    error
}

func (w *CleanupWarning) Error() string {
	if w.Handle != "" {
		return fmt.Sprintf("cleanup %s (%s): %v", w.Step, w.Handle, w.Err)
	}
	return fmt.Sprintf("cleanup %s: %v", w.Step, w.Err)
}

func (w *CleanupWarning) Unwrap() error {
	return w.Err
}

// SubscriptionError records a remote publication that could not be subscribed.
type SubscriptionError struct {
	Identity string
	Media    MediaType
	Err      error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s/%s: %v", e.Identity, e.Media, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// JoinReasonOf returns the reason of a JoinError in err's chain.
func JoinReasonOf(err error) (JoinReason, bool) {
	var je *JoinError
	if errors.As(err, &je) {
		return je.Reason, true
	}
	return "", false
}
