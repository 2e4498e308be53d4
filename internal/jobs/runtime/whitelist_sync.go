package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"reachwatch/internal/consensus"
	"reachwatch/internal/database"
	"reachwatch/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	WhitelistUpdatesChannel = "reachwatch:whitelist:updates"
	whitelistSyncTimeout    = 30 * time.Second
)

// WhitelistSync keeps followers' whitelist holders in step with the leader.
// The leader announces each new version; followers reload the persisted
// snapshot when the announced version is newer than theirs.
type WhitelistSync struct {
	client *redis.Client
	holder *consensus.Whitelist
	load   func(ctx context.Context) (domain.WhitelistState, []domain.WhitelistEntry, error)
}

func NewWhitelistSync(client *redis.Client, holder *consensus.Whitelist) *WhitelistSync {
	return &WhitelistSync{
		client: client,
		holder: holder,
		load:   database.LoadWhitelist,
	}
}

// Publish implements consensus.Sink. It must run after the snapshot has been
// persisted.
func (s *WhitelistSync) Publish(ctx context.Context, snapshot *consensus.Snapshot) error {
	if s.client == nil || snapshot == nil {
		return nil
	}
	pubCtx, cancel := context.WithTimeout(ctx, redisPublishTimeout)
	defer cancel()
	return s.client.Publish(pubCtx, WhitelistUpdatesChannel, strconv.FormatUint(snapshot.Version, 10)).Err()
}

const redisPublishTimeout = 5 * time.Second

// Reload installs the persisted snapshot if it is newer than the current one.
func (s *WhitelistSync) Reload(ctx context.Context) (bool, error) {
	loadCtx, cancel := context.WithTimeout(ctx, whitelistSyncTimeout)
	defer cancel()

	state, records, err := s.load(loadCtx)
	if err != nil {
		return false, fmt.Errorf("load whitelist: %w", err)
	}
	snapshot := consensus.SnapshotFromRecords(state, records)
	if snapshot == nil {
		return false, nil
	}
	return s.holder.Publish(snapshot), nil
}

// Run subscribes to version announcements until ctx ends.
func (s *WhitelistSync) Run(ctx context.Context) {
	if s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, WhitelistUpdatesChannel)
	defer func() {
		if err := pubsub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			log.Debug("Whitelist sync: closing subscription failed", "error", err)
		}
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleAnnouncement(ctx, msg.Payload)
		}
	}
}

func (s *WhitelistSync) handleAnnouncement(ctx context.Context, payload string) {
	version, err := strconv.ParseUint(payload, 10, 64)
	if err != nil {
		log.Warn("Whitelist sync: ignoring malformed announcement", "payload", payload)
		return
	}
	if current := s.holder.Current(); current != nil && current.Version >= version {
		return
	}

	installed, err := s.Reload(ctx)
	if err != nil {
		log.Error("Whitelist sync: reload failed", "version", version, "error", err)
		return
	}
	if installed {
		log.Info("Whitelist reloaded from leader", "version", s.holder.Current().Version)
	}
}
