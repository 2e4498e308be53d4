package config

import (
	"testing"
	"time"
)

func TestCalculateMillisecondsOfPeriod(t *testing.T) {
	timer := Timer{Days: 1, Hours: 2, Minutes: 3, Seconds: 4}
	want := uint64((24*60*60 + 2*60*60 + 3*60 + 4) * 1000)

	if got := CalculateMillisecondsOfPeriod(timer); got != want {
		t.Fatalf("CalculateMillisecondsOfPeriod returned %d, want %d", got, want)
	}
}

func TestCalculateBetweenTime(t *testing.T) {
	t.Run("enforces minimum interval", func(t *testing.T) {
		if got := CalculateBetweenTime(Timer{}); got != time.Second {
			t.Fatalf("CalculateBetweenTime returned %s, want 1s", got)
		}
	})

	t.Run("returns configured duration", func(t *testing.T) {
		if got := CalculateBetweenTime(Timer{Minutes: 1, Seconds: 30}); got != 90*time.Second {
			t.Fatalf("CalculateBetweenTime returned %s, want 1m30s", got)
		}
	})
}

func TestSetBetweenTimeNotifiesListeners(t *testing.T) {
	origCfg := GetConfig()
	origRecompute := GetRecomputeInterval()
	origRanking := GetRankingRefreshInterval()
	origSweep := GetQuerySweepInterval()

	t.Cleanup(func() {
		configValue.Store(origCfg)
		recomputeInterval.value.Store(origRecompute)
		rankingRefreshInterval.value.Store(origRanking)
		querySweepInterval.value.Store(origSweep)
	})

	updates := RecomputeIntervalUpdates()
	if initial := <-updates; initial != origRecompute {
		t.Fatalf("initial interval %s, want %s", initial, origRecompute)
	}

	testCfg := Config{}
	testCfg.Consensus.RecomputeTimer = Timer{Minutes: 2}
	testCfg.Ranking.RefreshTimer = Timer{Hours: 6}
	configValue.Store(testCfg)

	SetBetweenTime()

	select {
	case got := <-updates:
		if got != 2*time.Minute {
			t.Fatalf("listener received %s, want 2m", got)
		}
	case <-time.After(time.Second):
		t.Fatal("listener was not notified")
	}

	if got := GetRankingRefreshInterval(); got != 6*time.Hour {
		t.Fatalf("ranking refresh interval %s, want 6h", got)
	}
	if got := GetQuerySweepInterval(); got != defaultQuerySweepInterval {
		t.Fatalf("query sweep interval %s, want default %s", got, defaultQuerySweepInterval)
	}
}
