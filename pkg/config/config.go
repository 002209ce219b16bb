// Package config provides hierarchical configuration management.
// Priority: defaults < system < user < project < $JETNTUPLE_CONFIG < env < flags
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	jerrors "github.com/jetntuple/jetntuple/pkg/errors"
	"github.com/jetntuple/jetntuple/pkg/pipeline"
)

// Config holds all jetntuple configuration.
type Config struct {
	Version int `yaml:"version"`

	Run        RunConfig        `yaml:"run"`
	Output     OutputConfig     `yaml:"output"`
	Storage    StorageConfig    `yaml:"storage"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	UI         UIConfig         `yaml:"ui"`
}

// RunConfig controls which events are processed.
type RunConfig struct {
	StartOffset     int64 `yaml:"start_offset"`
	StopOnRecoTrack bool  `yaml:"stop_on_reco_track"`
	MaxEvents       int64 `yaml:"max_events"` // 0 = unlimited
	CountEntries    bool  `yaml:"count_entries"`
}

// OutputConfig controls ntuple writing.
type OutputConfig struct {
	Compression string `yaml:"compression"` // zstd | gzip | lz4 | snappy | none
	BatchSize   int    `yaml:"batch_size"`
}

// StorageConfig for object storage.
type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config for s3:// inputs and outputs.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// CheckpointConfig for run progress records.
type CheckpointConfig struct {
	Backend   string        `yaml:"backend"` // none | file | redis
	Dir       string        `yaml:"dir"`
	RedisAddr string        `yaml:"redis_addr"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
	Every     int64         `yaml:"every"` // events between saves
}

// TelemetryConfig for tracing and metrics.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"`
	MetricsFile  string  `yaml:"metrics_file"`
}

// UIConfig for terminal output.
type UIConfig struct {
	Progress bool `yaml:"progress"`
	Summary  bool `yaml:"summary"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Version: 1,
		Run: RunConfig{
			StartOffset:  pipeline.DefaultStartOffset,
			CountEntries: true,
		},
		Output: OutputConfig{
			Compression: "zstd",
			BatchSize:   1024,
		},
		Checkpoint: CheckpointConfig{
			Backend: "none",
			Dir:     filepath.Join(homeDir, ".jetntuple", "checkpoints"),
			Prefix:  "jetntuple:checkpoint:",
			TTL:     7 * 24 * time.Hour,
			Every:   1000,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "jetntuple",
			SampleRate:  1.0,
		},
		UI: UIConfig{
			Progress: true,
			Summary:  true,
		},
	}
}

// Manager handles configuration loading and merging.
type Manager struct {
	mu     sync.RWMutex
	config *Config
	search []string // candidate files, lowest priority first
	paths  []string // files that were loaded
}

// NewManager creates a manager over the standard config locations.
func NewManager() *Manager {
	return &Manager{
		config: Default(),
		search: defaultConfigPaths(),
	}
}

// NewManagerWithPaths creates a manager over explicit config files.
func NewManagerWithPaths(paths ...string) *Manager {
	return &Manager{
		config: Default(),
		search: paths,
	}
}

// Load loads configuration from all sources in priority order.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.config = Default()
	m.paths = nil

	for _, path := range m.search {
		if err := m.loadFile(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return jerrors.Wrap(err, jerrors.CodeInvalidInput, "load config").WithContext("path", path)
		}
		m.paths = append(m.paths, path)
	}

	return m.loadEnv()
}

// defaultConfigPaths returns config file paths in priority order.
func defaultConfigPaths() []string {
	var paths []string

	if runtime.GOOS != "windows" {
		paths = append(paths, "/etc/jetntuple/config.yaml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".jetntuple", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".jetntuple.yaml"))
	}
	if p := os.Getenv("JETNTUPLE_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	return paths
}

// loadFile decodes one file over the current values. Keys absent from
// the file keep their value, so a file may set a field back to zero.
func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	merged := *m.config
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return err
	}
	m.config = &merged
	return nil
}

// loadEnv applies JETNTUPLE_* environment overrides.
func (m *Manager) loadEnv() error {
	c := m.config

	if v := os.Getenv("JETNTUPLE_START_OFFSET"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return envError("JETNTUPLE_START_OFFSET", v)
		}
		c.Run.StartOffset = n
	}
	if v := os.Getenv("JETNTUPLE_STOP_ON_RECO_TRACK"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("JETNTUPLE_STOP_ON_RECO_TRACK", v)
		}
		c.Run.StopOnRecoTrack = b
	}
	if v := os.Getenv("JETNTUPLE_MAX_EVENTS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return envError("JETNTUPLE_MAX_EVENTS", v)
		}
		c.Run.MaxEvents = n
	}
	if v := os.Getenv("JETNTUPLE_COMPRESSION"); v != "" {
		c.Output.Compression = v
	}
	if v := os.Getenv("JETNTUPLE_REDIS_ADDR"); v != "" {
		c.Checkpoint.RedisAddr = v
		if c.Checkpoint.Backend == "none" || c.Checkpoint.Backend == "" {
			c.Checkpoint.Backend = "redis"
		}
	}
	if v := os.Getenv("JETNTUPLE_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("JETNTUPLE_METRICS_FILE"); v != "" {
		c.Telemetry.MetricsFile = v
	}
	return nil
}

func envError(name, value string) error {
	return jerrors.New(jerrors.CodeInvalidInput, "invalid environment value").
		WithContext("var", name).
		WithContext("value", value)
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetPaths returns the paths that were loaded.
func (m *Manager) GetPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paths
}
