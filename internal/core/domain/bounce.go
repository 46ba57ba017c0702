package domain

// BounceClassification is the actionable category assigned to a delivery
// failure. Downstream list-hygiene decisions key off this value, so
// classification must be deterministic.
type BounceClassification string

const (
	BounceHard        BounceClassification = "hard_bounce"
	BounceSoft        BounceClassification = "soft_bounce"
	BounceComplaint   BounceClassification = "spam_complaint"
	BounceUnsubscribe BounceClassification = "unsubscribe"
	BounceUnknown     BounceClassification = "unknown"
)

// BounceResult is the output of classifying a bounce or complaint event.
type BounceResult struct {
	Classification BounceClassification
	Category       string
	Severity       string
	Confidence     int // 0-100
}
