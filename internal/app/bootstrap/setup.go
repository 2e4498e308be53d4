package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"reachwatch/internal/config"
	"reachwatch/internal/consensus"
	"reachwatch/internal/database"
	"reachwatch/internal/metrics"
	"reachwatch/internal/registry"
	"reachwatch/internal/support"
)

// Setup loads settings, opens the database, seeds the primary reporter and
// restores the last persisted whitelist into holder.
func Setup(ctx context.Context, reporters *registry.Registry, holder *consensus.Whitelist, m *metrics.Metrics) error {
	config.ReadSettings()

	if _, err := database.SetupDB(); err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}
	config.SetBetweenTime()

	if err := seedPrimaryReporter(ctx, reporters); err != nil {
		return err
	}

	restoreWhitelist(ctx, holder, m)
	return nil
}

func seedPrimaryReporter(ctx context.Context, reporters *registry.Registry) error {
	name := strings.TrimSpace(support.GetEnv("PRIMARY_REPORTER_NAME", ""))
	token := strings.TrimSpace(support.GetEnv("PRIMARY_REPORTER_TOKEN", ""))
	if name == "" || token == "" {
		log.Warn("PRIMARY_REPORTER_NAME or PRIMARY_REPORTER_TOKEN not set, no reporter seeded")
		return nil
	}

	reporter, err := reporters.EnsureReporter(ctx, name, token)
	if err != nil {
		return fmt.Errorf("seed primary reporter: %w", err)
	}
	log.Info("Primary reporter ready", "name", reporter.Name, "id", reporter.ID)
	return nil
}

// restoreWhitelist serves the persisted whitelist until the first recompute
// replaces it. A failed load only delays readiness.
func restoreWhitelist(ctx context.Context, holder *consensus.Whitelist, m *metrics.Metrics) {
	state, records, err := database.LoadWhitelist(ctx)
	if err != nil {
		log.Warn("Persisted whitelist unavailable", "error", err)
		return
	}

	snapshot := consensus.SnapshotFromRecords(state, records)
	if snapshot == nil {
		log.Debug("No persisted whitelist found")
		return
	}
	if holder.Publish(snapshot) {
		m.SetWhitelist(snapshot.Version, snapshot.Len())
		log.Info("Restored persisted whitelist", "version", snapshot.Version, "entries", snapshot.Len())
	}
}
