package domain

import "time"

// Escalate maps a failed attempt count onto the dunning ladder:
//
//	attempt 1-2  retry with backoff, level tracks the attempt
//	attempt 3    escalate, the user must update their payment method
//	attempt 4    stay at level 3, one more retry
//	attempt 5+   cancel the subscription
//
// Retry timing backs off exponentially: 1 day after the first failure,
// then 2, 4, 8 days. The decision is a pure function of the attempt count
// and failure time, so replays are idempotent.
func Escalate(attemptCount int, failedAt time.Time) Decision {
	d := Decision{AttemptCount: attemptCount}

	switch {
	case attemptCount <= 2:
		d.Action = ActionRetry
		d.Level = attemptCount
	case attemptCount == 3:
		d.Action = ActionEscalate
		d.Level = 3
		d.ActionRequired = ActionRequiredUpdatePayment
	case attemptCount == 4:
		d.Action = ActionRetry
		d.Level = 3
		d.ActionRequired = ActionRequiredUpdatePayment
	default:
		d.Action = ActionCancel
		d.Level = 3
		d.SubscriptionCanceled = true
		return d
	}

	next := failedAt.UTC().Add(time.Duration(1<<(attemptCount-1)) * 24 * time.Hour)
	d.NextRetryAt = &next
	return d
}
