package domain

import "time"

type DeliveryStatus string

const (
	DeliveryStatusPending      DeliveryStatus = "pending"
	DeliveryStatusSentToAPI    DeliveryStatus = "sent_to_api"
	DeliveryStatusSent         DeliveryStatus = "sent"
	DeliveryStatusDelayed      DeliveryStatus = "delayed"
	DeliveryStatusHeld         DeliveryStatus = "held"
	DeliveryStatusDelivered    DeliveryStatus = "delivered"
	DeliveryStatusOpened       DeliveryStatus = "opened"
	DeliveryStatusClicked      DeliveryStatus = "clicked"
	DeliveryStatusUnsubscribed DeliveryStatus = "unsubscribed"
	DeliveryStatusBounced      DeliveryStatus = "bounced"
	DeliveryStatusComplained   DeliveryStatus = "complained"
	DeliveryStatusFailed       DeliveryStatus = "failed"
)

// statusRank orders delivery statuses along the lifecycle so webhook events
// arriving out of order never move a record backwards. Terminal outcomes
// (delivered, bounced, complained, failed) share the highest tier.
var statusRank = map[DeliveryStatus]int{
	DeliveryStatusPending:      0,
	DeliveryStatusSentToAPI:    1,
	DeliveryStatusSent:         2,
	DeliveryStatusDelayed:      3,
	DeliveryStatusHeld:         3,
	DeliveryStatusDelivered:    4,
	DeliveryStatusOpened:       4,
	DeliveryStatusClicked:      4,
	DeliveryStatusUnsubscribed: 4,
	DeliveryStatusBounced:      4,
	DeliveryStatusComplained:   4,
	DeliveryStatusFailed:       4,
}

// CanAdvance reports whether a record may move to the given status without
// regressing.
func (s DeliveryStatus) CanAdvance(to DeliveryStatus) bool {
	return statusRank[to] > statusRank[s]
}

// TrackingEntry is one open/click event appended to a record's tracking log.
type TrackingEntry struct {
	EventType  string    `json:"event_type"`
	URL        string    `json:"url,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DeliveryRecord is the durable record of one logical email. It is created by
// the send path and progressed by the webhook reconciler, so every update must
// be idempotent and keyed by a stable identifier (ID, ProviderMessageID, or
// Token all resolve to the same row).
type DeliveryRecord struct {
	ID                string
	ProviderMessageID string
	Token             string
	Recipient         string
	Sender            string
	Subject           string
	Status            DeliveryStatus

	Classification string
	Category       string
	Severity       string
	Confidence     int

	TrackingLog []TrackingEntry

	CreatedAt   time.Time
	SentAt      *time.Time // set once, never cleared
	DeliveredAt *time.Time // set once
	UpdatedAt   time.Time
}
