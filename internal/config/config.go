// Package config handles configuration loading and validation for leafsync.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/leafsync/leafsync/internal/hashing"
	"github.com/leafsync/leafsync/pkg/bytesize"
)

// EnvPrefix prefixes every environment override, e.g. LEAFSYNC_DATA_DIR.
const EnvPrefix = "LEAFSYNC_"

// Config is the configuration of one local replica.
type Config struct {
	DataDir     string            `yaml:"data_dir" env:"DATA_DIR"`
	Remote      RemoteConfig      `yaml:"remote" envPrefix:"REMOTE_"`
	Encryption  EncryptionConfig  `yaml:"encryption" envPrefix:"ENCRYPTION_"`
	Chunk       ChunkConfig       `yaml:"chunk" envPrefix:"CHUNK_"`
	LeafWait    LeafWaitConfig    `yaml:"leaf_wait" envPrefix:"LEAF_WAIT_"`
	Conflict    ConflictConfig    `yaml:"conflict" envPrefix:"CONFLICT_"`
	Replication ReplicationConfig `yaml:"replication" envPrefix:"REPLICATION_"`
	GC          GCConfig          `yaml:"gc" envPrefix:"GC_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Metrics     MetricsConfig     `yaml:"metrics" envPrefix:"METRICS_"`
}

// RemoteConfig locates the remote replica. An empty path disables
// replication.
type RemoteConfig struct {
	Path string `yaml:"path" env:"PATH"`
	Name string `yaml:"name" env:"NAME"` // checkpoint namespace
}

// EncryptionConfig controls leaf payload encryption.
type EncryptionConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	Passphrase string `yaml:"passphrase" env:"PASSPHRASE"`
	Iterations int    `yaml:"iterations" env:"ITERATIONS"`
	KeyRecycle int    `yaml:"key_recycle" env:"KEY_RECYCLE"`
	CacheSize  int    `yaml:"cache_size" env:"CACHE_SIZE"`
}

// ChunkConfig holds split thresholds and leaf store tuning.
type ChunkConfig struct {
	MinSize           bytesize.Size `yaml:"min_size" env:"MIN_SIZE"`
	MaxSize           bytesize.Size `yaml:"max_size" env:"MAX_SIZE"`
	LongLineThreshold bytesize.Size `yaml:"long_line_threshold" env:"LONG_LINE_THRESHOLD"`
	BinaryMaxSize     bytesize.Size `yaml:"binary_max_size" env:"BINARY_MAX_SIZE"`
	HashAlgorithm     string        `yaml:"hash_algorithm" env:"HASH_ALGORITHM"`
	Compress          bool          `yaml:"compress" env:"COMPRESS"`
	CacheSize         int           `yaml:"cache_size" env:"CACHE_SIZE"`
	MaxCollisionProbe int           `yaml:"max_collision_probe" env:"MAX_COLLISION_PROBE"`
}

// LeafWaitConfig bounds how long a read waits for a leaf to replicate.
type LeafWaitConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ConflictConfig selects the automatic conflict policy.
type ConflictConfig struct {
	Policy         string        `yaml:"policy" env:"POLICY"`
	MTimeTolerance time.Duration `yaml:"mtime_tolerance" env:"MTIME_TOLERANCE"`
}

// ReplicationConfig tunes transfers and live mode.
type ReplicationConfig struct {
	BatchSize   int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Concurrency int           `yaml:"concurrency" env:"CONCURRENCY"`
	Heartbeat   time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`
	RetryMin    time.Duration `yaml:"retry_min" env:"RETRY_MIN"`
	RetryMax    time.Duration `yaml:"retry_max" env:"RETRY_MAX"`
}

// GCConfig schedules leaf garbage collection. A zero interval disables the
// periodic run; `leafsync gc` still works.
type GCConfig struct {
	Interval  time.Duration `yaml:"interval" env:"INTERVAL"`
	BatchSize int           `yaml:"batch_size" env:"BATCH_SIZE"`
}

// LogConfig configures console and optional file logging.
type LogConfig struct {
	Level      string `yaml:"level" env:"LEVEL"`
	File       string `yaml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"MAX_AGE_DAYS"`
}

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
	// Trace keeps a runtime trace ring buffer served at /debug/trace.
	Trace           bool          `yaml:"trace" env:"TRACE"`
	TraceBufferSize bytesize.Size `yaml:"trace_buffer_size" env:"TRACE_BUFFER_SIZE"`
}

// Defaults returns the values used for every unset field.
func Defaults() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Remote:  RemoteConfig{Name: "remote"},
		Encryption: EncryptionConfig{
			Iterations: 100_000,
			KeyRecycle: 1000,
			CacheSize:  64,
		},
		Chunk: ChunkConfig{
			MinSize:           20,
			MaxSize:           bytesize.Size(100 * bytesize.KB),
			LongLineThreshold: 250,
			BinaryMaxSize:     bytesize.Size(100 * bytesize.KB),
			HashAlgorithm:     hashing.AlgorithmXXHash64,
			CacheSize:         512,
			MaxCollisionProbe: 100,
		},
		LeafWait: LeafWaitConfig{Timeout: 90 * time.Second},
		Conflict: ConflictConfig{Policy: "manual", MTimeTolerance: 2 * time.Second},
		Replication: ReplicationConfig{
			BatchSize:   100,
			Concurrency: 4,
			Heartbeat:   30 * time.Second,
			RetryMin:    time.Second,
			RetryMax:    time.Minute,
		},
		GC:      GCConfig{BatchSize: 100},
		Log:     LogConfig{Level: "info", MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 28},
		Metrics: MetricsConfig{TraceBufferSize: bytesize.Size(10 * bytesize.MB)},
	}
}

// DefaultDataDir returns the platform data directory.
func DefaultDataDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "leafsync")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".leafsync")
	}
	return "/var/lib/leafsync"
}

// Load reads the YAML file at path (skipped when empty), applies LEAFSYNC_
// environment overrides, fills defaults and validates the result.
// Environment values win over the file.
func Load(path string) (*Config, error) {
	fileCfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, fileCfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	envCfg := &Config{}
	if err := env.ParseWithOptions(envCfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg := &Config{}
	for _, layer := range []*Config{envCfg, fileCfg, Defaults()} {
		if err := mergo.Merge(cfg, layer); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.Remote.Path = expandHome(cfg.Remote.Path)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// StorePath is the local Badger directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "store")
}

// Validate checks the configuration for values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Remote.Path != "" && filepath.Clean(c.Remote.Path) == filepath.Clean(c.StorePath()) {
		errs = append(errs, errors.New("remote.path must differ from the local store"))
	}
	if c.Encryption.Enabled && c.Encryption.Passphrase == "" {
		errs = append(errs, errors.New("encryption.passphrase is required when encryption is enabled"))
	}
	if c.Encryption.Iterations < 1000 {
		errs = append(errs, errors.New("encryption.iterations must be at least 1000"))
	}
	if c.Chunk.MinSize <= 0 || c.Chunk.MaxSize < c.Chunk.MinSize {
		errs = append(errs, fmt.Errorf("chunk.max_size (%s) must be at least chunk.min_size (%s)", c.Chunk.MaxSize, c.Chunk.MinSize))
	}
	if c.Chunk.BinaryMaxSize <= 0 {
		errs = append(errs, errors.New("chunk.binary_max_size must be positive"))
	}
	if _, err := hashing.New(c.Chunk.HashAlgorithm, nil); err != nil {
		errs = append(errs, fmt.Errorf("chunk.hash_algorithm: %w", err))
	}
	switch c.Conflict.Policy {
	case "manual", "prefer_newer":
	default:
		errs = append(errs, fmt.Errorf("conflict.policy must be manual or prefer_newer, got %q", c.Conflict.Policy))
	}
	if c.Conflict.MTimeTolerance < 0 {
		errs = append(errs, errors.New("conflict.mtime_tolerance must not be negative"))
	}
	if c.Replication.BatchSize <= 0 || c.Replication.Concurrency <= 0 {
		errs = append(errs, errors.New("replication.batch_size and replication.concurrency must be positive"))
	}
	if c.Replication.RetryMax < c.Replication.RetryMin {
		errs = append(errs, errors.New("replication.retry_max must be at least replication.retry_min"))
	}
	if c.GC.Interval < 0 || c.GC.BatchSize <= 0 {
		errs = append(errs, errors.New("gc.interval must not be negative and gc.batch_size must be positive"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Metrics.Trace && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.trace requires metrics.listen"))
	}
	return errors.Join(errs...)
}
