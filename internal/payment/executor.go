// Package payment submits executePayment transactions and reports the
// outcome to the failure ledger.
package payment

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/state"
)

// DefaultReasonMax is the stored failure reason length when none is set.
const DefaultReasonMax = 100

// Recorder receives payment outcomes. *retry.Scheduler implements it.
type Recorder interface {
	RecordFailure(id ledger.SubID, reason string, now time.Time) (state.FailureRecord, error)
	Clear(id ledger.SubID) error
}

// Executor pays one subscription at a time.
type Executor struct {
	rec       Recorder
	reasonMax int
	now       func() time.Time
	logger    zerolog.Logger
}

// NewExecutor creates an executor. reasonMax <= 0 selects DefaultReasonMax.
func NewExecutor(rec Recorder, reasonMax int, logger zerolog.Logger) *Executor {
	if reasonMax <= 0 {
		reasonMax = DefaultReasonMax
	}
	return &Executor{rec: rec, reasonMax: reasonMax, now: time.Now, logger: logger}
}

// SetClock replaces the time source.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// Execute submits executePayment(id) and waits for confirmation. Success
// clears any failure record; every failure is recorded before it is
// returned.
func (e *Executor) Execute(ctx context.Context, w ledger.PaymentWriter, id ledger.SubID) error {
	e.logger.Info().Str("sub_id", id.Short()).Msg("Executing payment")

	rcpt, err := w.ExecutePayment(ctx, id)
	if err != nil && ctx.Err() != nil {
		// Shutdown, not a payment failure. The transaction may still mine;
		// the next upkeep check re-derives whether the id is due.
		e.logger.Warn().Err(err).Str("sub_id", id.Short()).Msg("Payment interrupted, not recorded")
		return err
	}
	if err != nil {
		reason := Truncate(err.Error(), e.reasonMax)
		if _, rerr := e.rec.RecordFailure(id, reason, e.now()); rerr != nil {
			e.logger.Error().Err(rerr).Str("sub_id", id.Short()).Msg("Failed to persist payment failure")
		}
		return err
	}

	ev := e.logger.Info().Str("sub_id", id.Short())
	if rcpt != nil {
		ev = ev.Str("tx", rcpt.TxHash.Hex()).Uint64("block", rcpt.BlockNumber)
		if rcpt.Amount != nil {
			ev = ev.Str("amount", rcpt.Amount.String())
		}
	}
	ev.Msg("Payment executed")

	if err := e.rec.Clear(id); err != nil {
		e.logger.Error().Err(err).Str("sub_id", id.Short()).Msg("Failed to clear failure record")
	}
	return nil
}

// Truncate shortens s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
