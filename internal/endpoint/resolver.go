// Package endpoint picks a working ledger endpoint from an ordered
// fallback list.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
	"github.com/Klingon-tech/recurve-relayer/internal/metrics"
)

// ErrNoEndpointAvailable is returned when every endpoint failed its probe.
var ErrNoEndpointAvailable = errors.New("no ledger endpoint available")

// DialFunc opens a ledger connection without probing it.
type DialFunc func(ctx context.Context, url string) (ledger.Ledger, error)

// Options configures a Resolver.
type Options struct {
	Endpoints []string
	Dial      DialFunc
	// ChainID rejects endpoints reporting another network (0 = any).
	ChainID int64
	// Attempts per endpoint (0 = 1), spaced by Delay.
	Attempts uint
	Delay    time.Duration
}

// Resolver walks the endpoint list in order on every call.
type Resolver struct {
	endpoints []string
	dial      DialFunc
	chainID   *big.Int
	attempts  uint
	delay     time.Duration
	logger    zerolog.Logger
}

// New creates a resolver.
func New(opts Options, logger zerolog.Logger) *Resolver {
	r := &Resolver{
		endpoints: append([]string(nil), opts.Endpoints...),
		dial:      opts.Dial,
		attempts:  opts.Attempts,
		delay:     opts.Delay,
		logger:    logger,
	}
	if r.attempts == 0 {
		r.attempts = 1
	}
	if opts.ChainID != 0 {
		r.chainID = big.NewInt(opts.ChainID)
	}
	return r
}

// Endpoints returns the configured list.
func (r *Resolver) Endpoints() []string {
	return append([]string(nil), r.endpoints...)
}

// Resolve returns the first endpoint that answers the liveness probe. The
// caller owns the returned connection and must Close it.
func (r *Resolver) Resolve(ctx context.Context) (ledger.Ledger, string, error) {
	var errs []error
	for _, url := range r.endpoints {
		l, err := r.try(ctx, url)
		if err == nil {
			r.logger.Debug().Str("endpoint", url).Msg("Endpoint selected")
			return l, url, nil
		}
		metrics.EndpointFailed(url)
		r.logger.Warn().Err(err).Str("endpoint", url).Msg("Endpoint unavailable")
		errs = append(errs, fmt.Errorf("%s: %w", url, err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, "", fmt.Errorf("%w: %w", ErrNoEndpointAvailable, errors.Join(errs...))
}

func (r *Resolver) try(ctx context.Context, url string) (ledger.Ledger, error) {
	var conn ledger.Ledger
	err := retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			l, err := r.dial(ctx, url)
			if err != nil {
				return err
			}
			if err := r.probe(ctx, l); err != nil {
				l.Close()
				return err
			}
			conn = l
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && !errors.Is(err, errWrongChain)
		}),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var errWrongChain = errors.New("wrong chain id")

func (r *Resolver) probe(ctx context.Context, l ledger.NetworkProber) error {
	id, err := l.NetworkID(ctx)
	if err != nil {
		return err
	}
	if r.chainID != nil && id.Cmp(r.chainID) != 0 {
		return fmt.Errorf("%w: got %s, want %s", errWrongChain, id, r.chainID)
	}
	return nil
}
