package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"proctorguard/internal/model"
	"proctorguard/internal/outlier"
	"proctorguard/internal/window"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format" toml:"log_format"`
	Detection DetectionConfig `json:"detection" yaml:"detection" toml:"detection"`
	Window    WindowConfig    `json:"window" yaml:"window" toml:"window"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest" toml:"ingest"`
	Forward   ForwardConfig   `json:"forward" yaml:"forward" toml:"forward"`
	API       APIConfig       `json:"api" yaml:"api" toml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" toml:"storage"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" toml:"cache"`
	Archive   ArchiveConfig   `json:"archive" yaml:"archive" toml:"archive"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics"`
	Reports   ReportsConfig   `json:"reports" yaml:"reports" toml:"reports"`
}

type DetectionConfig struct {
	DefaultSensitivity  int           `json:"default_sensitivity" yaml:"default_sensitivity" toml:"default_sensitivity"`
	ForestTrees         int           `json:"forest_trees" yaml:"forest_trees" toml:"forest_trees"`
	ForestSampleSize    int           `json:"forest_sample_size" yaml:"forest_sample_size" toml:"forest_sample_size"`
	Seed                uint64        `json:"seed" yaml:"seed" toml:"seed"`
	MinMouseRows        int           `json:"min_mouse_rows" yaml:"min_mouse_rows" toml:"min_mouse_rows"`
	MaxClusters         int           `json:"max_clusters" yaml:"max_clusters" toml:"max_clusters"`
	InactivityThreshold time.Duration `json:"inactivity_threshold" yaml:"inactivity_threshold" toml:"inactivity_threshold"`
}

type WindowConfig struct {
	Enabled        bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	JoinTimeout    time.Duration `json:"join_timeout" yaml:"join_timeout" toml:"join_timeout"`
	SwitchCooldown time.Duration `json:"switch_cooldown" yaml:"switch_cooldown" toml:"switch_cooldown"`
	IgnoredTitles  []string      `json:"ignored_titles" yaml:"ignored_titles" toml:"ignored_titles"`
}

type IngestConfig struct {
	ChannelBuffer  int             `json:"channel_buffer" yaml:"channel_buffer" toml:"channel_buffer"`
	REST           RESTConfig      `json:"rest" yaml:"rest" toml:"rest"`
	TCPStream      TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream" toml:"tcp_stream"`
	Kafka          KafkaConfig     `json:"kafka" yaml:"kafka" toml:"kafka"`
	DedupeWindow   time.Duration   `json:"dedupe_window" yaml:"dedupe_window" toml:"dedupe_window"`
	ValidateSchema bool            `json:"validate_schema" yaml:"validate_schema" toml:"validate_schema"`
	Timezone       string          `json:"timezone" yaml:"timezone" toml:"timezone"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id" toml:"group_id"`
}

type ForwardConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Driver  string `json:"driver" yaml:"driver" toml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn" toml:"dsn"`
}

type CacheConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr     string        `json:"addr" yaml:"addr" toml:"addr"`
	Password string        `json:"password" yaml:"password" toml:"password"`
	DB       int           `json:"db" yaml:"db" toml:"db"`
	TTL      time.Duration `json:"ttl" yaml:"ttl" toml:"ttl"`
}

type ArchiveConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Bucket   string `json:"bucket" yaml:"bucket" toml:"bucket"`
	Prefix   string `json:"prefix" yaml:"prefix" toml:"prefix"`
	Region   string `json:"region" yaml:"region" toml:"region"`
	Endpoint string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	HTML     bool   `json:"html" yaml:"html" toml:"html"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit" toml:"store_limit"`
}

type ReportsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit" toml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Detection: DetectionConfig{
			DefaultSensitivity:  5,
			ForestTrees:         100,
			ForestSampleSize:    256,
			Seed:                42,
			MinMouseRows:        10,
			MaxClusters:         3,
			InactivityThreshold: 30 * time.Second,
		},
		Window: WindowConfig{
			Enabled:      false,
			PollInterval: time.Second,
			JoinTimeout:  2 * time.Second,
		},
		Ingest: IngestConfig{
			ChannelBuffer:  10000,
			REST:           RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:      TCPStreamConfig{Enabled: false, Addr: ":9000"},
			Kafka:          KafkaConfig{Enabled: false},
			DedupeWindow:   2 * time.Second,
			ValidateSchema: true,
			Timezone:       "UTC",
		},
		Forward: ForwardConfig{Enabled: false},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:proctorguard.db?_pragma=busy_timeout(5000)"},
		Cache:   CacheConfig{Enabled: false, Addr: "localhost:6379", TTL: 24 * time.Hour},
		Archive: ArchiveConfig{Enabled: false, Prefix: "reports/", Region: "us-east-1"},
		Metrics: MetricsConfig{StoreLimit: 5000},
		Reports: ReportsConfig{StoreLimit: 1000},
	}
}

// OutlierOptions maps the detection section onto model training options.
func (d DetectionConfig) OutlierOptions() outlier.Options {
	return outlier.Options{
		Forest: outlier.ForestOptions{
			Trees:      d.ForestTrees,
			SampleSize: d.ForestSampleSize,
			Seed:       d.Seed,
		},
		MinMouseRows: d.MinMouseRows,
		MaxClusters:  d.MaxClusters,
	}
}

func (w WindowConfig) PollerOptions() window.Options {
	return window.Options{
		Interval:       w.PollInterval,
		JoinTimeout:    w.JoinTimeout,
		SwitchCooldown: w.SwitchCooldown,
		IgnoredTitles:  append([]string(nil), w.IgnoredTitles...),
	}
}

type format int

const (
	formatYAML format = iota
	formatJSON
	formatTOML
)

func detectFormat(path string, content string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".toml":
		return formatTOML
	case ".yaml", ".yml":
		return formatYAML
	}
	if looksLikeJSON(content) {
		return formatJSON
	}
	return formatYAML
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(path, content)
}

// Parse decodes content over the defaults. path only selects the format and
// may be empty.
func Parse(path string, content []byte) (*Config, error) {
	cfg := DefaultConfig()
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	switch detectFormat(path, trimmed) {
	case formatJSON:
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	case formatTOML:
		_, decodeErr = toml.Decode(trimmed, cfg)
	default:
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode config: %w", decodeErr)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	default:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	if cfg.Detection.DefaultSensitivity == 0 {
		cfg.Detection.DefaultSensitivity = def.Detection.DefaultSensitivity
	}
	if cfg.Detection.ForestTrees <= 0 {
		cfg.Detection.ForestTrees = def.Detection.ForestTrees
	}
	if cfg.Detection.ForestSampleSize <= 0 {
		cfg.Detection.ForestSampleSize = def.Detection.ForestSampleSize
	}
	if cfg.Detection.MinMouseRows <= 0 {
		cfg.Detection.MinMouseRows = def.Detection.MinMouseRows
	}
	if cfg.Detection.MaxClusters <= 0 {
		cfg.Detection.MaxClusters = def.Detection.MaxClusters
	}
	if cfg.Detection.InactivityThreshold == 0 {
		cfg.Detection.InactivityThreshold = def.Detection.InactivityThreshold
	}
	if cfg.Window.PollInterval <= 0 {
		cfg.Window.PollInterval = def.Window.PollInterval
	}
	if cfg.Window.JoinTimeout <= 0 {
		cfg.Window.JoinTimeout = def.Window.JoinTimeout
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Timezone == "" {
		cfg.Ingest.Timezone = "UTC"
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = def.Cache.TTL
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
	}
	if cfg.Reports.StoreLimit <= 0 {
		cfg.Reports.StoreLimit = def.Reports.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if err := model.ValidateSensitivity(cfg.Detection.DefaultSensitivity); err != nil {
		return fmt.Errorf("detection.default_sensitivity: %w", err)
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat)
	}
	if cfg.Detection.ForestSampleSize < 2 {
		return errors.New("detection.forest_sample_size must be >= 2")
	}
	if cfg.Detection.InactivityThreshold < 0 {
		return errors.New("detection.inactivity_threshold must not be negative")
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Ingest.DedupeWindow < 0 {
		return fmt.Errorf("ingest.dedupe_window must not be negative: %s", cfg.Ingest.DedupeWindow)
	}
	if cfg.Forward.Enabled && (len(cfg.Forward.Brokers) == 0 || cfg.Forward.Topic == "") {
		return errors.New("forward requires brokers and topic")
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
		}
	}
	if cfg.Cache.Enabled && cfg.Cache.Addr == "" {
		return errors.New("cache.addr required when cache.enabled is true")
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		return errors.New("archive.bucket required when archive.enabled is true")
	}
	if cfg.Window.SwitchCooldown < 0 {
		return fmt.Errorf("window.switch_cooldown must not be negative: %s", cfg.Window.SwitchCooldown)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime atomic.Int64
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

// NewStaticManager serves a fixed config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) touch() {
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime().UnixNano())
	}
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	m.touch()
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().UnixNano() > m.modTime.Load(), nil
}
