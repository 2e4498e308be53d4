package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Config struct {
	Consensus ConsensusConfig `json:"consensus"`
	Intake    IntakeConfig    `json:"intake"`
	Ranking   RankingConfig   `json:"ranking"`

	Whitelist struct {
		HistogramBins uint32 `json:"histogram_bins"`
		MaxLookupDots uint32 `json:"max_lookup_dots"`
	} `json:"whitelist"`

	Queries struct {
		RetentionDays uint32 `json:"retention_days"`
		SweepTimer    Timer  `json:"sweep_timer"`
	} `json:"queries"`
}

type ConsensusConfig struct {
	WindowSize       uint32   `json:"window_size"`
	TrustedReporters []uint64 `json:"trusted_reporters"`
	RecomputeTimer   Timer    `json:"recompute_timer"`
}

type IntakeConfig struct {
	TimeoutSeconds uint32 `json:"timeout_seconds"`
	MaxRows        uint32 `json:"max_rows"`
}

type RankingConfig struct {
	Sources         []string `json:"sources"`
	AutoRefresh     bool     `json:"auto_refresh"`
	RefreshTimer    Timer    `json:"refresh_timer"`
	LastRefreshedAt string   `json:"last_refreshed_at,omitempty"`
}

type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}

const (
	DefaultWindowSize             = 5
	DefaultIntakeTimeout          = 30 * time.Second
	DefaultMaxRows                = 1_000_000
	DefaultHistogramBins          = 50
	DefaultMaxLookupDots          = 4
	DefaultRetentionDays          = 90
	DefaultPrimaryReporter uint64 = 1
)

var ErrInvalidSettings = errors.New("config: invalid settings")

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = filepath.Join("data", "settings.json")

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	configValue.Store(Config{})
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		log.Error("Embedded default settings are invalid", "error", err)
	}
	return cfg
}

func ReadSettings() {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration", "path", settingsFilePath)

			if err := os.MkdirAll(filepath.Dir(settingsFilePath), 0o755); err != nil {
				log.Error("Error creating directory for settings file", "error", err)
				return
			}

			if err := os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
				log.Error("Error writing default settings file", "error", err)
				return
			}

			data = defaultConfig
		} else {
			log.Error("Error reading settings file", "error", err)
			return
		}
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully")
}

// SetConfig validates, applies, persists and broadcasts a full settings document.
func SetConfig(newConfig Config) error {
	if err := newConfig.Validate(); err != nil {
		return err
	}
	if err := applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"}); err != nil {
		log.Error("Error applying configuration update", "error", err)
		return err
	}

	log.Debug("Configuration updated and written to file successfully")
	return nil
}

func UpdateRankingConfig(updater func(cfg *RankingConfig)) error {
	if updater == nil {
		return errors.New("config: ranking updater cannot be nil")
	}

	cfg := GetConfig()
	updater(&cfg.Ranking)

	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, broadcast: true, source: "ranking"})
}

func MarkRankingRefreshed(ts time.Time) error {
	return UpdateRankingConfig(func(cfg *RankingConfig) {
		cfg.LastRefreshedAt = ts.UTC().Format(time.RFC3339)
	})
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	SetBetweenTime()

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal settings: %w", err))
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			errs = append(errs, fmt.Errorf("write settings: %w", err))
		}
	}

	if opts.broadcast {
		if err := publishSettings(newConfig, opts.source); err != nil {
			errs = append(errs, fmt.Errorf("broadcast settings: %w", err))
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}

func (c Config) Validate() error {
	if c.Consensus.WindowSize > 1000 {
		return fmt.Errorf("%w: consensus.window_size must be at most 1000", ErrInvalidSettings)
	}
	if c.Whitelist.HistogramBins > 1000 {
		return fmt.Errorf("%w: whitelist.histogram_bins must be at most 1000", ErrInvalidSettings)
	}
	for _, id := range c.Consensus.TrustedReporters {
		if id == 0 {
			return fmt.Errorf("%w: consensus.trusted_reporters contains id 0", ErrInvalidSettings)
		}
	}
	return nil
}

// WindowSize is the number of most recent trusted observations per domain
// that take part in the vote.
func (c Config) WindowSize() int {
	if c.Consensus.WindowSize == 0 {
		return DefaultWindowSize
	}
	return int(c.Consensus.WindowSize)
}

func (c Config) TrustedReporters() []uint64 {
	if len(c.Consensus.TrustedReporters) == 0 {
		return []uint64{DefaultPrimaryReporter}
	}
	return append([]uint64(nil), c.Consensus.TrustedReporters...)
}

func (c Config) IntakeTimeout() time.Duration {
	if c.Intake.TimeoutSeconds == 0 {
		return DefaultIntakeTimeout
	}
	return time.Duration(c.Intake.TimeoutSeconds) * time.Second
}

func (c Config) MaxRows() int {
	if c.Intake.MaxRows == 0 {
		return DefaultMaxRows
	}
	return int(c.Intake.MaxRows)
}

func (c Config) HistogramBins() int {
	if c.Whitelist.HistogramBins == 0 {
		return DefaultHistogramBins
	}
	return int(c.Whitelist.HistogramBins)
}

func (c Config) MaxLookupDots() int {
	if c.Whitelist.MaxLookupDots == 0 {
		return DefaultMaxLookupDots
	}
	return int(c.Whitelist.MaxLookupDots)
}

func (c Config) QueryRetention() time.Duration {
	days := c.Queries.RetentionDays
	if days == 0 {
		days = DefaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}
