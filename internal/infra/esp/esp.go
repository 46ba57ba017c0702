// Package esp talks to the third-party email delivery API. The client wraps
// one HTTP call per attempt with gate checks, error classification, and a
// bounded inner retry loop; the monitor tracks provider health for reporting.
package esp

import (
	"context"

	"github.com/trungdn/courier/internal/core/domain"
)

// ProviderResponse is the provider's acknowledgement of an accepted message.
type ProviderResponse struct {
	MessageID  string
	StatusCode int
}

// Sender sends one message to the delivery provider. The dispatch queue
// depends on this interface, not on the HTTP client.
type Sender interface {
	Send(ctx context.Context, payload domain.MessagePayload) (*ProviderResponse, error)
}
