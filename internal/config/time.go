package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRecomputeInterval      = 10 * time.Minute
	defaultRankingRefreshInterval = 24 * time.Hour
	defaultQuerySweepInterval     = 6 * time.Hour
)

// interval holds one schedule derived from a settings timer and fans changes
// out to running loops so they can reset their tickers.
type interval struct {
	value     atomic.Value
	fallback  time.Duration
	mu        sync.Mutex
	listeners []chan time.Duration
}

func newInterval(fallback time.Duration) *interval {
	iv := &interval{fallback: fallback}
	iv.value.Store(fallback)
	return iv
}

func (iv *interval) get() time.Duration {
	return iv.value.Load().(time.Duration)
}

func (iv *interval) set(d time.Duration) {
	if d <= 0 {
		d = iv.fallback
	}
	if iv.get() == d {
		return
	}
	iv.value.Store(d)

	iv.mu.Lock()
	defer iv.mu.Unlock()
	for _, ch := range iv.listeners {
		select {
		case ch <- d:
		default:
		}
	}
}

func (iv *interval) subscribe() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	iv.mu.Lock()
	iv.listeners = append(iv.listeners, ch)
	iv.mu.Unlock()

	ch <- iv.get()
	return ch
}

var (
	recomputeInterval      = newInterval(defaultRecomputeInterval)
	rankingRefreshInterval = newInterval(defaultRankingRefreshInterval)
	querySweepInterval     = newInterval(defaultQuerySweepInterval)
)

func SetBetweenTime() {
	cfg := GetConfig()
	recomputeInterval.set(timerOr(cfg.Consensus.RecomputeTimer, defaultRecomputeInterval))
	rankingRefreshInterval.set(timerOr(cfg.Ranking.RefreshTimer, defaultRankingRefreshInterval))
	querySweepInterval.set(timerOr(cfg.Queries.SweepTimer, defaultQuerySweepInterval))
}

func timerOr(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func GetRecomputeInterval() time.Duration {
	return recomputeInterval.get()
}

func RecomputeIntervalUpdates() <-chan time.Duration {
	return recomputeInterval.subscribe()
}

func GetRankingRefreshInterval() time.Duration {
	return rankingRefreshInterval.get()
}

func RankingRefreshIntervalUpdates() <-chan time.Duration {
	return rankingRefreshInterval.subscribe()
}

func GetQuerySweepInterval() time.Duration {
	return querySweepInterval.get()
}

func QuerySweepIntervalUpdates() <-chan time.Duration {
	return querySweepInterval.subscribe()
}
