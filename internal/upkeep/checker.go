// Package upkeep asks the registry which watched subscriptions are due.
package upkeep

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/recurve-relayer/internal/ledger"
)

// Checker batches the due check into one checkUpkeep call.
type Checker struct {
	logger zerolog.Logger
}

// NewChecker creates a checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{logger: logger}
}

// Check returns the subset of ids that are due now, in the order the
// registry reports them. An empty input makes no call.
func (c *Checker) Check(ctx context.Context, r ledger.UpkeepReader, ids []ledger.SubID) ([]ledger.SubID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	c.logger.Debug().Int("watched", len(ids)).Msg("Checking upkeep")

	due, err := r.CheckUpkeep(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("check upkeep: %w", err)
	}
	if len(due) > 0 {
		c.logger.Info().Int("due", len(due)).Int("watched", len(ids)).Msg("Found due subscriptions")
	}
	return due, nil
}
