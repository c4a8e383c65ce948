// Package retry keeps the failure ledger: per-subscription failure counts
// with an escalating backoff table and a terminal churned state.
package retry

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/state"
)

// DefaultDelays is the backoff table used when none is configured.
var DefaultDelays = []time.Duration{
	1 * time.Hour,
	6 * time.Hour,
	24 * time.Hour,
	72 * time.Hour,
}

// ErrNoRecord is returned by Reactivate for an id with no failure record.
var ErrNoRecord = errors.New("no failure record")

// Store persists the failure ledger. *state.Store implements it.
type Store interface {
	Failures() (map[ledger.SubID]state.FailureRecord, error)
	SaveFailures(map[ledger.SubID]state.FailureRecord) error
}

// Due is a pending retry whose time has come.
type Due struct {
	ID     ledger.SubID
	Record state.FailureRecord
}

// Stats counts failure records by status.
type Stats struct {
	Pending int
	Churned int
}

// Scheduler tracks failed subscriptions. Every mutation rewrites the whole
// ledger through the store before returning.
type Scheduler struct {
	mu     sync.Mutex
	store  Store
	delays []time.Duration
	recs   map[ledger.SubID]state.FailureRecord
	logger zerolog.Logger
}

// New loads the ledger from store. An empty delays slice selects
// DefaultDelays.
func New(store Store, delays []time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	recs, err := store.Failures()
	if err != nil {
		return nil, fmt.Errorf("load failure ledger: %w", err)
	}
	return &Scheduler{
		store:  store,
		delays: append([]time.Duration(nil), delays...),
		recs:   recs,
		logger: logger,
	}, nil
}

// RecordFailure registers a failed payment attempt at now.
//
// The k-th failure schedules the next attempt table[k-1] after now. Once
// the count exceeds the table length the record is churned and never
// scheduled again.
func (s *Scheduler) RecordFailure(id ledger.SubID, reason string, now time.Time) (state.FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.recs[id]
	rec.FailCount++
	rec.LastAttempt = now.Unix()
	rec.Reason = reason

	if rec.Status == state.StatusChurned || rec.FailCount > len(s.delays) {
		rec.Status = state.StatusChurned
		rec.NextRetry = nil
	} else {
		rec.Status = state.StatusPending
		next := rec.LastAttempt + int64(s.delays[rec.FailCount-1]/time.Second)
		rec.NextRetry = &next
	}
	s.recs[id] = rec

	ev := s.logger.Warn().
		Str("sub_id", id.Short()).
		Int("fail_count", rec.FailCount).
		Str("reason", reason)
	if rec.IsChurned() {
		ev.Msg("Subscription churned, retries exhausted")
	} else {
		ev.Time("next_retry", rec.NextRetryTime()).Msg("Payment failed, retry scheduled")
	}

	return rec, s.persist()
}

// Clear deletes the record for id after a successful payment. It is a
// no-op (and writes nothing) when id has no record.
func (s *Scheduler) Clear(id ledger.SubID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil
	}
	delete(s.recs, id)
	s.logger.Info().
		Str("sub_id", id.Short()).
		Int("fail_count", rec.FailCount).
		Msg("Payment recovered, failure record cleared")
	return s.persist()
}

// Reactivate drops the record for id regardless of status, returning a
// churned subscription to normal due-processing. Operator use only.
func (s *Scheduler) Reactivate(id ledger.SubID) (state.FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return state.FailureRecord{}, fmt.Errorf("%s: %w", id, ErrNoRecord)
	}
	delete(s.recs, id)
	return rec, s.persist()
}

// DueRetries returns the pending records with nextRetry <= now, ordered by
// nextRetry and then by id.
func (s *Scheduler) DueRetries(now time.Time) []Due {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Unix()
	var due []Due
	for id, rec := range s.recs {
		if rec.IsChurned() || rec.NextRetry == nil || *rec.NextRetry > cutoff {
			continue
		}
		due = append(due, Due{ID: id, Record: rec})
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := *due[i].Record.NextRetry, *due[j].Record.NextRetry
		if a != b {
			return a < b
		}
		return bytes.Compare(due[i].ID[:], due[j].ID[:]) < 0
	})
	return due
}

// Blocked reports whether id must not be attempted at now: it is churned,
// or pending with a retry time still in the future.
func (s *Scheduler) Blocked(id ledger.SubID, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return false
	}
	if rec.IsChurned() {
		return true
	}
	return rec.NextRetry != nil && *rec.NextRetry > now.Unix()
}

// Get returns the record for id.
func (s *Scheduler) Get(id ledger.SubID) (state.FailureRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	return rec, ok
}

// Stats counts pending and churned records.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, rec := range s.recs {
		if rec.IsChurned() {
			st.Churned++
		} else {
			st.Pending++
		}
	}
	return st
}

// Delays returns a copy of the backoff table.
func (s *Scheduler) Delays() []time.Duration {
	return append([]time.Duration(nil), s.delays...)
}

// persist writes the ledger. Caller holds mu. On failure the in-memory
// state is kept and written again with the next mutation.
func (s *Scheduler) persist() error {
	snapshot := make(map[ledger.SubID]state.FailureRecord, len(s.recs))
	for id, rec := range s.recs {
		snapshot[id] = rec
	}
	if err := s.store.SaveFailures(snapshot); err != nil {
		return fmt.Errorf("persist failure ledger: %w", err)
	}
	return nil
}
