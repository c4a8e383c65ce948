package discovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/metrics"
	"github.com/Klingon-tech/recurve-relayer/internal/state"
)

// Default listener delays.
const (
	DefaultReconnectDelay  = 5 * time.Second
	DefaultSetupRetryDelay = 30 * time.Second
)

// LiveConn is a push-capable ledger connection.
type LiveConn interface {
	ledger.EventSource
	Close()
}

// LiveDialFunc opens a push connection.
type LiveDialFunc func(ctx context.Context) (LiveConn, error)

// ListenerOptions configures a Listener.
type ListenerOptions struct {
	Dial            LiveDialFunc
	ReconnectDelay  time.Duration // after a dropped subscription
	SetupRetryDelay time.Duration // after a failed dial or subscribe
}

// Listener merges SubscriptionCreated events into the watch-list as they
// are emitted. It reconnects forever and never fails the relayer; while it
// is down the range scan still finds everything.
type Listener struct {
	store  *state.Store
	opts   ListenerOptions
	logger zerolog.Logger
}

// NewListener creates a listener.
func NewListener(store *state.Store, opts ListenerOptions, logger zerolog.Logger) *Listener {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.SetupRetryDelay <= 0 {
		opts.SetupRetryDelay = DefaultSetupRetryDelay
	}
	return &Listener{store: store, opts: opts, logger: logger}
}

// Run blocks until ctx is canceled.
func (l *Listener) Run(ctx context.Context) {
	for {
		delay := l.session(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one connect-subscribe-consume cycle and returns how long to
// wait before the next one.
func (l *Listener) session(ctx context.Context) time.Duration {
	conn, err := l.opts.Dial(ctx)
	if err != nil {
		l.logger.Warn().Err(err).Dur("retry_in", l.opts.SetupRetryDelay).Msg("Live listener setup failed")
		return l.opts.SetupRetryDelay
	}
	defer conn.Close()

	sink := make(chan ledger.SubscriptionCreated, 64)
	sub, err := conn.SubscribeCreated(ctx, sink)
	if err != nil {
		l.logger.Warn().Err(err).Dur("retry_in", l.opts.SetupRetryDelay).Msg("Live subscription failed")
		return l.opts.SetupRetryDelay
	}
	defer sub.Unsubscribe()

	metrics.LiveConnected(true)
	defer metrics.LiveConnected(false)
	l.logger.Info().Msg("Listening for new subscriptions")

	for {
		select {
		case <-ctx.Done():
			return 0
		case err := <-sub.Err():
			l.logger.Warn().Err(err).Dur("retry_in", l.opts.ReconnectDelay).Msg("Live subscription dropped")
			return l.opts.ReconnectDelay
		case ev := <-sink:
			l.handle(ev)
		}
	}
}

func (l *Listener) handle(ev ledger.SubscriptionCreated) {
	added, err := l.store.Merge(ev.SubID)
	if err != nil {
		// The range scan will pick the event up again.
		l.logger.Error().Err(err).Str("sub_id", ev.SubID.Short()).Msg("Failed to save live subscription")
		return
	}
	if added == 0 {
		return
	}
	metrics.Discovered(metrics.DiscoveryLive, added)
	metrics.WatchList(l.store.WatchLen())

	e := l.logger.Info().
		Str("sub_id", ev.SubID.Short()).
		Str("subscriber", ev.Subscriber.Hex()).
		Uint64("block", ev.BlockNumber)
	if ev.TierID != nil {
		e = e.Str("tier", ev.TierID.String())
	}
	e.Msg("New subscription (live)")
}
