package domain

import "time"

// WebhookEventType enumerates the provider notifications we understand.
type WebhookEventType string

const (
	WebhookEventSent       WebhookEventType = "sent"
	WebhookEventDelivered  WebhookEventType = "delivered"
	WebhookEventDelayed    WebhookEventType = "delayed"
	WebhookEventHeld       WebhookEventType = "held"
	WebhookEventBounced    WebhookEventType = "bounced"
	WebhookEventComplained WebhookEventType = "complained"
	WebhookEventFailed     WebhookEventType = "failed"
	WebhookEventOpened     WebhookEventType = "opened"
	WebhookEventClicked    WebhookEventType = "clicked"
)

// KnownWebhookEvent reports whether the event type is part of the enum.
func KnownWebhookEvent(t WebhookEventType) bool {
	switch t {
	case WebhookEventSent, WebhookEventDelivered, WebhookEventDelayed,
		WebhookEventHeld, WebhookEventBounced, WebhookEventComplained,
		WebhookEventFailed, WebhookEventOpened, WebhookEventClicked:
		return true
	}
	return false
}

// WebhookEvent is one inbound status notification, persisted as an audit row.
// EventID is the stable dedup key: the provider's event id when present,
// otherwise a hash of the raw body.
type WebhookEvent struct {
	EventID           string
	EventType         WebhookEventType
	ProviderMessageID string
	Reasons           []string
	URL               string
	BodyHash          string
	ReceivedAt        time.Time
}
