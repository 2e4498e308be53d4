package runtime

import (
	"context"
	"errors"
	"time"

	"reachwatch/internal/config"
	"reachwatch/internal/consensus"
	"reachwatch/internal/support"

	"github.com/charmbracelet/log"
)

const recomputeFallbackEvery = 10 * time.Minute

var recomputeLockKey = support.LeaderKey("whitelist_recompute")

// Recomputer is satisfied by *consensus.Engine.
type Recomputer interface {
	Recompute(ctx context.Context) (*consensus.Snapshot, error)
}

// StartWhitelistRecomputeRoutine recomputes the whitelist on the configured
// schedule while this instance holds the recompute lock.
func StartWhitelistRecomputeRoutine(ctx context.Context, engine Recomputer) {
	if ctx == nil {
		ctx = context.Background()
	}

	initial := config.GetRecomputeInterval()
	if initial <= 0 {
		initial = recomputeFallbackEvery
	}
	interval := newDurationValue(initial)
	updateSignal := make(chan struct{}, 1)
	go watchInterval(ctx.Done(), config.RecomputeIntervalUpdates(), recomputeFallbackEvery, interval, updateSignal)

	err := support.RunWithLeader(ctx, recomputeLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runRecomputeLoop(leaderCtx, engine, interval, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Whitelist recompute routine stopped", "error", err)
	}
}

func runRecomputeLoop(ctx context.Context, engine Recomputer, interval *durationValue, updateSignal <-chan struct{}) {
	currentInterval := interval.Load()
	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	recomputeOnce(ctx, engine, "startup")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recomputeOnce(ctx, engine, "scheduled")
		case <-updateSignal:
			newInterval := interval.Load()
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
			log.Debug("Whitelist recompute interval changed", "interval", currentInterval)
		}
	}
}

func recomputeOnce(ctx context.Context, engine Recomputer, reason string) {
	if _, err := engine.Recompute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error("Whitelist recompute failed", "reason", reason, "error", err)
	}
}
