package maintenance

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

const geoLiteRefreshEvery = 72 * time.Hour

type CountryUpdater interface {
	Enabled() bool
	Update(ctx context.Context) error
}

// StartGeoLiteRefreshRoutine keeps the local country database current. Every
// instance refreshes its own copy, so no leadership is taken.
func StartGeoLiteRefreshRoutine(ctx context.Context, updater CountryUpdater) {
	if updater == nil || !updater.Enabled() {
		log.Debug("GeoLite refresh disabled")
		return
	}
	runGeoLiteRefreshLoop(ctx, updater, geoLiteRefreshEvery)
}

func runGeoLiteRefreshLoop(ctx context.Context, updater CountryUpdater, every time.Duration) {
	refresh := func() {
		if err := updater.Update(ctx); err != nil && ctx.Err() == nil {
			log.Warn("GeoLite refresh failed", "error", err)
		}
	}

	refresh()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
