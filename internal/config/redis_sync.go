package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	sharedSettingsKey     = "reachwatch:config:settings"
	settingsUpdateChannel = "reachwatch:config:updates"
	settingsOpTimeout     = 5 * time.Second
	resubscribeDelay      = time.Second
)

// syncOrigin tags every envelope this process publishes so its own
// broadcasts are not applied a second time when they come back over pub/sub.
var syncOrigin = uuid.NewString()

// settingsEnvelope is what travels through Redis: the settings plus who
// published them and why.
type settingsEnvelope struct {
	Origin      string    `json:"origin"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"publishedAt"`
	Settings    Config    `json:"settings"`
}

var errForeignPayload = errors.New("settings envelope has no settings")

type settingsSync struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

var sharedSettings settingsSync

func (s *settingsSync) attach(ctx context.Context, client *redis.Client) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil, false
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.client = client
	return s.ctx, true
}

func (s *settingsSync) current() (*redis.Client, context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client, s.ctx
}

// EnableRedisSynchronization shares settings between instances. The first
// instance to connect seeds the shared copy; later ones adopt it. Updates
// saved on any instance are published to the others.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Settings sync disabled: redis client is nil")
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, attached := sharedSettings.attach(ctx, client)
	if !attached {
		return
	}

	adopted, err := adoptSharedSettings(syncCtx, client)
	if err != nil {
		log.Error("Settings sync: shared copy unusable", "error", err)
	}
	if !adopted {
		if err := publishSettings(GetConfig(), "seed"); err != nil {
			log.Error("Settings sync: could not seed shared copy", "error", err)
		}
	}

	go followSettingsUpdates(syncCtx, client)
}

// adoptSharedSettings applies the copy stored in Redis. It reports whether a
// copy existed, even when that copy could not be applied.
func adoptSharedSettings(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, settingsOpTimeout)
	defer cancel()

	raw, err := client.Get(opCtx, sharedSettingsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	envelope, err := decodeSettingsEnvelope(raw)
	if err != nil {
		return true, err
	}
	log.Info("Settings adopted from shared copy", "origin", envelope.Origin, "published_at", envelope.PublishedAt)
	return true, applyConfigUpdate(envelope.Settings, configUpdateOptions{persistToFile: true, source: "redis"})
}

func followSettingsUpdates(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, settingsUpdateChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			log.Error("Settings sync: subscription error", "error", err)
			time.Sleep(resubscribeDelay)
			continue
		}

		if _, err := applyRemoteSettings([]byte(msg.Payload)); err != nil {
			log.Warn("Settings sync: remote update rejected", "error", err)
		}
	}
}

// applyRemoteSettings applies a published envelope unless this process sent
// it. It reports whether anything was applied.
func applyRemoteSettings(raw []byte) (bool, error) {
	envelope, err := decodeSettingsEnvelope(raw)
	if err != nil {
		return false, err
	}
	if envelope.Origin == syncOrigin {
		return false, nil
	}

	log.Debug("Settings update received", "origin", envelope.Origin, "source", envelope.Source)
	return true, applyConfigUpdate(envelope.Settings, configUpdateOptions{persistToFile: true, source: "redis"})
}

func decodeSettingsEnvelope(raw []byte) (settingsEnvelope, error) {
	var wire struct {
		settingsEnvelope
		Settings *Config `json:"settings"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return settingsEnvelope{}, fmt.Errorf("decode settings envelope: %w", err)
	}
	if wire.Settings == nil {
		return settingsEnvelope{}, errForeignPayload
	}
	if err := wire.Settings.Validate(); err != nil {
		return settingsEnvelope{}, err
	}

	envelope := wire.settingsEnvelope
	envelope.Settings = *wire.Settings
	return envelope, nil
}

func encodeSettingsEnvelope(cfg Config, source string) ([]byte, error) {
	return json.Marshal(settingsEnvelope{
		Origin:      syncOrigin,
		Source:      source,
		PublishedAt: time.Now().UTC(),
		Settings:    cfg,
	})
}

// publishSettings stores cfg as the shared copy and announces it. Without an
// attached client it does nothing.
func publishSettings(cfg Config, source string) error {
	client, baseCtx := sharedSettings.current()
	if client == nil {
		return nil
	}
	if baseCtx == nil || baseCtx.Err() != nil {
		baseCtx = context.Background()
	}

	payload, err := encodeSettingsEnvelope(cfg, source)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(baseCtx, settingsOpTimeout)
	defer cancel()

	_, err = client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, sharedSettingsKey, payload, 0)
		pipe.Publish(opCtx, settingsUpdateChannel, payload)
		return nil
	})
	return err
}

// DisableRedisSynchronization stops the subscriber and detaches the client.
func DisableRedisSynchronization() {
	sharedSettings.mu.Lock()
	defer sharedSettings.mu.Unlock()

	if sharedSettings.cancel != nil {
		sharedSettings.cancel()
	}
	sharedSettings.client = nil
	sharedSettings.ctx = nil
	sharedSettings.cancel = nil
}
