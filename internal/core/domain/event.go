package domain

import "time"

// DeliveryUpdated is emitted after the reconciler persists a status change.
// External collaborators (CRM sync, list hygiene) subscribe to this instead of
// reaching into delivery records.
type DeliveryUpdated struct {
	RecordID          string               `json:"record_id"`
	ProviderMessageID string               `json:"provider_message_id"`
	Recipient         string               `json:"recipient"`
	Status            DeliveryStatus       `json:"status"`
	Classification    BounceClassification `json:"classification,omitempty"`
	Category          string               `json:"category,omitempty"`
	Severity          string               `json:"severity,omitempty"`
	Confidence        int                  `json:"confidence,omitempty"`
	OccurredAt        time.Time            `json:"occurred_at"`
}

// JobFailed is emitted when a send job exhausts its retries or hits a
// permanent error. Terminal failures stay queryable for manual resend; this
// event exists so operators get told about them.
type JobFailed struct {
	JobID      string    `json:"job_id"`
	RecordID   string    `json:"record_id"`
	Recipient  string    `json:"recipient"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	OccurredAt time.Time `json:"occurred_at"`
}
