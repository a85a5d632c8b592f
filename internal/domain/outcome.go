package domain

// Outcome is where a single reconciliation attempt ended up.
type Outcome string

const (
	OutcomeIndexed           Outcome = "indexed"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeMalformed         Outcome = "malformed"
	OutcomeRejected          Outcome = "rejected"
	OutcomeNotCorrelatable   Outcome = "not_correlatable"
	OutcomeRemoteUnavailable Outcome = "remote_unavailable"
	OutcomeNotApproved       Outcome = "not_approved"
	OutcomeContextMissing    Outcome = "context_missing"
	OutcomeAlreadyNotified   Outcome = "already_notified"
	OutcomeDispatchFailed    Outcome = "dispatch_failed"
	OutcomeNotified          Outcome = "notified"
	OutcomeStoreUnavailable  Outcome = "store_unavailable"
)

// Retryable outcomes leave state untouched so a provider redelivery can finish
// the cycle.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeNotCorrelatable, OutcomeRemoteUnavailable, OutcomeNotApproved,
		OutcomeContextMissing, OutcomeDispatchFailed, OutcomeStoreUnavailable:
		return true
	}
	return false
}
