package runtime

import (
	"context"
	"errors"
	"strings"
	"time"

	"reachwatch/internal/config"
	"reachwatch/internal/ranking"
	"reachwatch/internal/support"

	"github.com/charmbracelet/log"
)

const rankRefreshFallbackEvery = 24 * time.Hour

var rankRefreshLockKey = support.LeaderKey("rank_refresh")

type RankRefresher interface {
	Refresh(ctx context.Context, reason string) (*ranking.RefreshOutcome, error)
}

// StartRankRefreshRoutine periodically replaces the rank table from the
// configured feeds. afterRefresh runs after every successful refresh so the
// whitelist can pick up new ranks.
func StartRankRefreshRoutine(ctx context.Context, refresher RankRefresher, afterRefresh func(context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	initial := config.GetRankingRefreshInterval()
	if initial <= 0 {
		initial = rankRefreshFallbackEvery
	}
	interval := newDurationValue(initial)
	updateSignal := make(chan struct{}, 1)
	go watchInterval(ctx.Done(), config.RankingRefreshIntervalUpdates(), rankRefreshFallbackEvery, interval, updateSignal)

	err := support.RunWithLeader(ctx, rankRefreshLockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runRankRefreshLoop(leaderCtx, refresher, afterRefresh, interval, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Rank refresh routine stopped", "error", err)
	}
}

func runRankRefreshLoop(ctx context.Context, refresher RankRefresher, afterRefresh func(context.Context), interval *durationValue, updateSignal <-chan struct{}) {
	currentInterval := interval.Load()
	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	if rankRefreshDue(time.Now(), currentInterval) {
		_, _ = RunRankRefresh(ctx, refresher, afterRefresh, "startup", false)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = RunRankRefresh(ctx, refresher, afterRefresh, "scheduled", false)
		case <-updateSignal:
			newInterval := interval.Load()
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
		}
	}
}

// rankRefreshDue reports whether the last successful refresh is older than
// one interval, or never happened.
func rankRefreshDue(now time.Time, every time.Duration) bool {
	last := strings.TrimSpace(config.GetConfig().Ranking.LastRefreshedAt)
	if last == "" {
		return true
	}
	ts, err := time.Parse(time.RFC3339, last)
	if err != nil {
		return true
	}
	return now.Sub(ts) >= every
}

// RunRankRefresh refreshes ranks now. Unless force is set, the refresh only
// runs when auto refresh is enabled.
func RunRankRefresh(ctx context.Context, refresher RankRefresher, afterRefresh func(context.Context), reason string, force bool) (*ranking.RefreshOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !force && !config.GetConfig().Ranking.AutoRefresh {
		log.Debug("Rank refresh skipped: auto refresh disabled", "reason", reason)
		return nil, nil
	}

	outcome, err := refresher.Refresh(ctx, reason)
	switch {
	case errors.Is(err, ranking.ErrNoFeedData):
		log.Warn("Rank refresh produced no data, keeping previous ranks", "reason", reason)
		return nil, err
	case err != nil:
		log.Error("Rank refresh failed", "reason", reason, "error", err)
		return nil, err
	}

	log.Info("Domain ranks refreshed",
		"reason", reason,
		"domains", outcome.Domains,
		"failed_sources", outcome.FailedSources,
	)
	if err := config.MarkRankingRefreshed(time.Now()); err != nil {
		log.Warn("Failed to record rank refresh time", "error", err)
	}
	if afterRefresh != nil {
		afterRefresh(ctx)
	}
	return outcome, nil
}
