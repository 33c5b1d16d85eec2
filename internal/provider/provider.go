// Package provider defines the delivery port the engine sends through,
// plus the error taxonomy workers use to classify failures.
package provider

import (
	"context"

	"dispatchd/internal/domain"
)

// SendRequest carries everything the delivery provider needs for one send.
type SendRequest struct {
	TenantID       domain.TenantID
	SenderID       domain.SenderID
	FromAddress    string
	ToAddress      string
	TemplateID     string
	IdempotencyKey string
}

// Result is the provider's acceptance receipt. MessageID is the handle
// later delivery events reference.
type Result struct {
	MessageID string
}

// Port is the outbound delivery provider. Send must be idempotent keyed by
// SendRequest.IdempotencyKey where the provider supports it; repeated sends
// with the same key return the original MessageID.
//
// Errors must be classified with Transient/TransientAfter/Permanent so the
// worker can decide between retry and dead-letter. An unclassified error is
// treated as transient.
type Port interface {
	Send(ctx context.Context, req SendRequest) (Result, error)
}
