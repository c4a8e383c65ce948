package state

import "time"

// FailureStatus is the retry state of a subscription with failed payments.
type FailureStatus string

const (
	StatusPending FailureStatus = "pending"
	StatusChurned FailureStatus = "churned"
)

// FailureRecord is one entry of the failure ledger. Timestamps are unix
// seconds. NextRetry is nil once the record is churned.
type FailureRecord struct {
	FailCount   int           `json:"failCount"`
	LastAttempt int64         `json:"lastAttempt"`
	NextRetry   *int64        `json:"nextRetry,omitempty"`
	Reason      string        `json:"reason"`
	Status      FailureStatus `json:"status"`
}

// IsChurned reports whether retries are exhausted.
func (r FailureRecord) IsChurned() bool {
	return r.Status == StatusChurned
}

// NextRetryTime returns NextRetry as a time, zero when unset.
func (r FailureRecord) NextRetryTime() time.Time {
	if r.NextRetry == nil {
		return time.Time{}
	}
	return time.Unix(*r.NextRetry, 0)
}
