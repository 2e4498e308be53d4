package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"reachwatch/internal/config"
	"reachwatch/internal/database"
	"reachwatch/internal/support"
)

const defaultSweepEvery = 6 * time.Hour

var queryRetentionLockKey = support.LeaderKey("query_retention")

// QueryPurger removes logged queries created before cutoff.
type QueryPurger func(ctx context.Context, cutoff time.Time) (int64, error)

// StartQueryRetentionRoutine deletes logged queries and feedback older than
// the configured retention while this instance holds the sweep lock.
func StartQueryRetentionRoutine(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := support.RunWithLeader(ctx, queryRetentionLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runQueryRetentionLoop(leaderCtx, database.DeleteQueriesBefore)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Query retention routine stopped", "error", err)
	}
}

func runQueryRetentionLoop(ctx context.Context, purge QueryPurger) {
	updates := config.QuerySweepIntervalUpdates()
	interval := <-updates
	if interval <= 0 {
		interval = defaultSweepEvery
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runQueryRetention(ctx, purge, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runQueryRetention(ctx, purge, time.Now())
		case next := <-updates:
			if next <= 0 {
				next = defaultSweepEvery
			}
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func runQueryRetention(ctx context.Context, purge QueryPurger, now time.Time) int64 {
	start := time.Now()
	cutoff := now.Add(-config.GetConfig().QueryRetention())

	removed, err := purge(ctx, cutoff)
	if err != nil {
		log.Error("Failed to purge logged queries", "error", err)
		return 0
	}
	if removed == 0 {
		return 0
	}

	log.Info("Query retention sweep completed",
		"queries_removed", removed,
		"cutoff", cutoff,
		"duration", time.Since(start),
	)
	return removed
}
