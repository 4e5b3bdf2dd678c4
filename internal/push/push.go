// Package push delivers best-effort notifications to registered device
// tokens of recipients who may not have a live connection.
package push

import "context"

// Result summarizes one multicast attempt.
type Result struct {
	SuccessCount int
	FailureCount int
}

// Dispatcher multicasts one notification to a set of device tokens.
// Failures are the caller's to log; they must never surface to the message
// sender.
type Dispatcher interface {
	SendMulticast(ctx context.Context, tokens []string, title, body, roomID string) (Result, error)
}

// Noop is used when push credentials are not configured.
type Noop struct{}

func (Noop) SendMulticast(ctx context.Context, tokens []string, title, body, roomID string) (Result, error) {
	return Result{}, nil
}
