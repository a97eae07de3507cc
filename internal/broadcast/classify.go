package broadcast

import (
	"errors"
	"strings"
	"time"

	"funnelbot/internal/model"
)

// Verdict is the classification of one send result.
type Verdict struct {
	Status model.RecipientStatus
	// Retry is set for rate-limit signals; RetryAfter carries the wait.
	Retry      bool
	RetryAfter time.Duration
}

// classRule matches a provider category and, optionally, any of the
// substrings in the lowercased error text.
type classRule struct {
	category Category
	contains []string
	status   model.RecipientStatus
	retry    bool
}

// Evaluated top to bottom; the first match wins.
var classRules = []classRule{
	{category: CategoryPermanent, contains: []string{"blocked"}, status: model.StatusBlocked},
	{category: CategoryPermanent, status: model.StatusForbidden},
	{category: CategoryMalformed, contains: []string{"deactivated", "chat not found"}, status: model.StatusDeleted},
	{category: CategoryMalformed, status: model.StatusForbidden},
	{category: CategoryRateLimit, retry: true},
}

// Classify maps a send error to a recipient status or a retry hint.
// A nil error is a delivery: the recipient is ACTIVE.
func Classify(err error) Verdict {
	if err == nil {
		return Verdict{Status: model.StatusActive}
	}

	cat := CategoryUnknown
	var after time.Duration
	text := strings.ToLower(err.Error())
	var pe *ProviderError
	if errors.As(err, &pe) {
		cat = pe.Category
		after = pe.RetryAfter
		text = strings.ToLower(pe.Description + " " + text)
	}

	for _, r := range classRules {
		if r.category != cat || !containsAny(text, r.contains) {
			continue
		}
		if r.retry {
			// A rate limit without a usable wait is treated as unknown.
			if after <= 0 {
				break
			}
			return Verdict{Retry: true, RetryAfter: after}
		}
		return Verdict{Status: r.status}
	}
	return Verdict{Status: model.StatusForbidden}
}

func containsAny(text string, subs []string) bool {
	if len(subs) == 0 {
		return true
	}
	for _, s := range subs {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}
