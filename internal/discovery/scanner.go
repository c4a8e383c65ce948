// Package discovery finds SubscriptionCreated events and feeds their ids
// into the watch-list, by chunked range scans and an optional live
// subscription.
package discovery

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/metrics"
	"github.com/Klingon-tech/recurve-relayer/internal/state"
)

// ScanOptions tunes the range scan.
type ScanOptions struct {
	ChunkSize      uint64
	RecentWindow   uint64
	StaleThreshold uint64
	StartBlock     uint64
}

// ScanSource is what a scan needs from a ledger connection.
type ScanSource interface {
	ledger.HeadReader
	ledger.EventSource
}

// ScanResult summarizes one Scan call.
type ScanResult struct {
	Head        uint64
	From        uint64 // cursor before scanning
	Cursor      uint64 // cursor after scanning
	Chunks      int
	Events      int
	Added       int
	FastForward bool
}

// Scanner walks the chain from the persisted cursor to head.
type Scanner struct {
	store  *state.Store
	opts   ScanOptions
	logger zerolog.Logger
}

// NewScanner creates a scanner. A zero chunk size scans 500 blocks at a time.
func NewScanner(store *state.Store, opts ScanOptions, logger zerolog.Logger) *Scanner {
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 500
	}
	return &Scanner{store: store, opts: opts, logger: logger}
}

// Scan processes [cursor, head] in chunks. Each chunk's ids and the
// advanced cursor are committed together, so an error leaves the cursor
// at the last completed chunk.
func (s *Scanner) Scan(ctx context.Context, src ScanSource) (ScanResult, error) {
	var res ScanResult

	head, err := src.BlockNumber(ctx)
	if err != nil {
		return res, fmt.Errorf("read head: %w", err)
	}
	res.Head = head

	cursor, err := s.bootstrap(head, &res)
	if err != nil {
		return res, err
	}
	res.From, res.Cursor = cursor, cursor
	metrics.Cursor(cursor)

	for cursor <= head {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		from := cursor
		to := from + s.opts.ChunkSize - 1
		if to > head || to < from {
			to = head
		}

		events, err := src.SubscriptionsCreated(ctx, from, to)
		if err != nil {
			return res, fmt.Errorf("scan [%d, %d]: %w", from, to, err)
		}

		ids := make([]ledger.SubID, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.SubID)
		}
		added, err := s.store.CommitChunk(ids, to+1)
		if err != nil {
			return res, err
		}

		res.Chunks++
		res.Events += len(events)
		res.Added += added
		cursor = to + 1
		res.Cursor = cursor
		metrics.Cursor(cursor)
		metrics.Discovered(metrics.DiscoveryScan, added)

		s.logger.Debug().
			Uint64("from", from).
			Uint64("to", to).
			Int("events", len(events)).
			Int("added", added).
			Msg("Scanned chunk")
		for _, ev := range events {
			s.logger.Info().
				Str("sub_id", ev.SubID.Short()).
				Uint64("block", ev.BlockNumber).
				Msg("Found subscription")
		}
	}
	if res.Added > 0 {
		metrics.WatchList(s.store.WatchLen())
	}
	return res, nil
}

// bootstrap returns the cursor to scan from, fast-forwarding a missing or
// stale cursor to the recent window. It never moves the cursor back.
func (s *Scanner) bootstrap(head uint64, res *ScanResult) (uint64, error) {
	cursor, ok, err := s.store.Cursor()
	if err != nil {
		return 0, err
	}
	if ok && (cursor > head || head-cursor <= s.opts.StaleThreshold) {
		return cursor, nil
	}

	target := s.opts.StartBlock
	if head > s.opts.RecentWindow && head-s.opts.RecentWindow > target {
		target = head - s.opts.RecentWindow
	}
	if ok && target <= cursor {
		return cursor, nil
	}
	if err := s.store.SetCursor(target); err != nil {
		return 0, err
	}
	res.FastForward = true

	ev := s.logger.Info().Uint64("head", head).Uint64("cursor", target)
	if ok {
		ev.Uint64("previous", cursor).Msg("Scan cursor is stale, fast-forwarding")
	} else {
		ev.Msg("No scan cursor, starting from recent blocks")
	}
	return target, nil
}
