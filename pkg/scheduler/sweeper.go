// Package scheduler drives settlement independently of any UI refresh
// cycle: a periodic sweep settles OPEN escrows whose delivery deadline is
// near or past. Transient failures leave escrows OPEN and are retried on
// the next tick.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/veritrail/core/pkg/anchor"
	"github.com/veritrail/core/pkg/escrow"
	"github.com/veritrail/core/pkg/sla"
)

// Settler is the slice of the escrow engine the sweeper drives.
type Settler interface {
	OpenNearingDeadline(horizon time.Duration) []string
	EvaluateAndSettle(ctx context.Context, escrowID string) (sla.Verdict, error)
}

// Options tune the sweep cadence.
type Options struct {
	// Interval between sweeps.
	Interval time.Duration
	// Horizon selects OPEN escrows with ExpectedDeliveryBy within this
	// window (or past) for settlement.
	Horizon time.Duration
	// Jitter randomizes each tick by up to this duration so replicas do
	// not sweep in lockstep.
	Jitter time.Duration
}

// DefaultOptions returns the standard cadence.
func DefaultOptions() Options {
	return Options{
		Interval: 30 * time.Second,
		Horizon:  15 * time.Minute,
		Jitter:   5 * time.Second,
	}
}

// Sweeper runs the periodic settlement loop.
type Sweeper struct {
	settler Settler
	opts    Options
	logger  *slog.Logger
}

// New creates a sweeper.
func New(settler Settler, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultOptions().Horizon
	}
	return &Sweeper{
		settler: settler,
		opts:    opts,
		logger:  slog.Default().With("component", "scheduler"),
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.SweepOnce(ctx)
			timer.Reset(s.nextInterval())
		}
	}
}

func (s *Sweeper) nextInterval() time.Duration {
	d := s.opts.Interval
	if s.opts.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.opts.Jitter)))
	}
	return d
}

// SweepOnce settles every due escrow. Returns how many settled.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	due := s.settler.OpenNearingDeadline(s.opts.Horizon)
	settled := 0
	for _, id := range due {
		if ctx.Err() != nil {
			return settled
		}
		if _, err := s.settler.EvaluateAndSettle(ctx, id); err != nil {
			if errors.Is(err, escrow.ErrNotOpen) {
				// Something else settled it between listing and sweeping.
				settled++
				continue
			}
			if errors.Is(err, anchor.ErrLedgerUnavailable) {
				s.logger.Warn("settlement deferred, ledger unavailable", "escrow_id", id)
			} else {
				s.logger.Error("settlement failed", "escrow_id", id, "err", err)
			}
			continue
		}
		settled++
	}
	if len(due) > 0 {
		s.logger.Info("sweep complete", "due", len(due), "settled", settled)
	}
	return settled
}
