// Package bounce turns webhook event types and free-text failure reasons into
// actionable classifications. Classification is a pure function: identical
// inputs always produce identical output, which downstream list-hygiene
// automation depends on.
package bounce

import (
	"strings"

	"github.com/trungdn/courier/internal/core/domain"
)

// eventTable maps provider event types to classifications. A table hit other
// than the generic soft-bounce default is authoritative; generic and unknown
// results are refined against the reason text.
var eventTable = map[string]domain.BounceClassification{
	"email.delivery.hardfail": domain.BounceHard,
	"email.delivery.failed":   domain.BounceHard,
	"failed":                  domain.BounceHard,
	"email.delivery.softfail": domain.BounceSoft,
	"email.delivery.bounce":   domain.BounceSoft, // generic default, refine
	"bounced":                 domain.BounceSoft, // generic default, refine
	"email.spam.complaint":    domain.BounceComplaint,
	"complained":              domain.BounceComplaint,
	"email.unsubscribe":       domain.BounceUnsubscribe,
	"unsubscribed":            domain.BounceUnsubscribe,
}

// genericSoft marks table entries that are defaults rather than verdicts.
var genericSoft = map[string]bool{
	"email.delivery.bounce": true,
	"bounced":               true,
}

// baseConfidence is the starting score per event type.
var baseConfidence = map[string]int{
	"email.delivery.hardfail": 90,
	"email.delivery.failed":   90,
	"failed":                  85,
	"email.delivery.softfail": 80,
	"email.spam.complaint":    90,
	"complained":              90,
	"email.unsubscribe":       90,
	"unsubscribed":            90,
	"email.delivery.bounce":   60,
	"bounced":                 60,
}

const unknownBase = 30

// keywordSet is one ordered refinement bucket. First bucket with a match wins.
type keywordSet struct {
	classification domain.BounceClassification
	keywords       []string
}

var keywordSets = []keywordSet{
	{domain.BounceHard, []string{
		"550", "554", "551", "553",
		"mailbox not found", "no such user", "user unknown", "unknown user",
		"invalid recipient", "does not exist", "address rejected",
		"account disabled", "recipient rejected",
	}},
	{domain.BounceSoft, []string{
		"421", "450", "451", "452",
		"quota exceeded", "mailbox full", "over quota",
		"try again later", "temporarily deferred", "temporary failure",
		"greylisted", "connection timed out",
	}},
	{domain.BounceComplaint, []string{
		"spam", "complaint", "abuse", "blocked", "blacklist", "denylist",
		"content rejected", "policy violation",
	}},
	{domain.BounceUnsubscribe, []string{
		"unsubscribe", "opt-out", "opted out", "list removal",
	}},
}

// category labels the broad bucket a classification falls in.
var categories = map[domain.BounceClassification]string{
	domain.BounceHard:        "recipient",
	domain.BounceSoft:        "mailbox_or_server",
	domain.BounceComplaint:   "reputation",
	domain.BounceUnsubscribe: "list_hygiene",
	domain.BounceUnknown:     "unknown",
}

// severities distinguish permanent failures from transient ones.
var severities = map[domain.BounceClassification]string{
	domain.BounceHard:        "permanent",
	domain.BounceSoft:        "transient",
	domain.BounceComplaint:   "permanent",
	domain.BounceUnsubscribe: "permanent",
	domain.BounceUnknown:     "unknown",
}

// Classify resolves an event type and its reason texts to a classification.
func Classify(eventType string, reasons []string) domain.BounceResult {
	classification, hasEntry := eventTable[eventType]
	if !hasEntry {
		classification = domain.BounceUnknown
	}

	confidence, ok := baseConfidence[eventType]
	if !ok {
		confidence = unknownBase
	}

	text := strings.ToLower(strings.Join(reasons, " "))

	// Authoritative table hits skip refinement; unknown and generic defaults
	// get refined against the reason text.
	if classification == domain.BounceUnknown || genericSoft[eventType] {
		if refined, boost, matched := refine(text); matched {
			classification = refined
			confidence += boost
		}
	} else if boost, matched := matchFraction(classification, text); matched {
		confidence += boost
	}

	if confidence > 100 {
		confidence = 100
	}

	return domain.BounceResult{
		Classification: classification,
		Category:       categories[classification],
		Severity:       severities[classification],
		Confidence:     confidence,
	}
}

// refine walks the ordered keyword buckets; the first bucket with a matching
// keyword wins.
func refine(text string) (domain.BounceClassification, int, bool) {
	if text == "" {
		return domain.BounceUnknown, 0, false
	}
	for _, set := range keywordSets {
		matched := 0
		for _, kw := range set.keywords {
			if strings.Contains(text, kw) {
				matched++
			}
		}
		if matched > 0 {
			return set.classification, boostFor(matched, len(set.keywords)), true
		}
	}
	return domain.BounceUnknown, 0, false
}

// matchFraction scores how strongly the reason text confirms an already
// authoritative classification.
func matchFraction(classification domain.BounceClassification, text string) (int, bool) {
	if text == "" {
		return 0, false
	}
	for _, set := range keywordSets {
		if set.classification != classification {
			continue
		}
		matched := 0
		for _, kw := range set.keywords {
			if strings.Contains(text, kw) {
				matched++
			}
		}
		if matched == 0 {
			return 0, false
		}
		return boostFor(matched, len(set.keywords)), true
	}
	return 0, false
}

// boostFor converts the matched-keyword fraction into a confidence boost of
// at most 30 points, with a floor of 10 for any match at all.
func boostFor(matched, total int) int {
	boost := 30 * matched / total
	if boost < 10 {
		boost = 10
	}
	return boost
}
