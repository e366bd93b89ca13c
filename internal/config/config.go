// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/flowtrack/internal/core"
	"firestige.xyz/flowtrack/internal/core/decoder"
	"firestige.xyz/flowtrack/internal/export"
	"firestige.xyz/flowtrack/internal/flow"
	"firestige.xyz/flowtrack/internal/pipeline"
	"firestige.xyz/flowtrack/internal/source/afpacket"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `flowtrack:` root key in YAML.
type GlobalConfig struct {
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Capture    CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	FlowTable  FlowTableConfig  `mapstructure:"flow_table" yaml:"flow_table"`
	Decoder    DecoderConfig    `mapstructure:"decoder" yaml:"decoder"`
	Reassembly ReassemblyConfig `mapstructure:"reassembly" yaml:"reassembly"`
	Streams    StreamsConfig    `mapstructure:"streams" yaml:"streams"`
	Workers    WorkersConfig    `mapstructure:"workers" yaml:"workers"`
	Export     ExportConfig     `mapstructure:"export" yaml:"export"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string        `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format string        `mapstructure:"format" yaml:"format"` // json / text
	File   LogFileConfig `mapstructure:"file" yaml:"file"`
}

// LogFileConfig configures rotated file output in addition to stdout.
type LogFileConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Capture ───

// CaptureConfig configures live AF_PACKET capture.
type CaptureConfig struct {
	Interface    string `mapstructure:"interface" yaml:"interface"`
	SnapLen      int    `mapstructure:"snap_len" yaml:"snap_len"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"`
	PollTimeout  string `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	FanoutID     uint16 `mapstructure:"fanout_id" yaml:"fanout_id"` // 0 = no fanout
	IPOnly       bool   `mapstructure:"ip_only" yaml:"ip_only"`

	pollTimeout time.Duration
}

// ─── Flow Table ───

// FlowTableConfig sizes the stream table of each worker.
type FlowTableConfig struct {
	InitialCapacity int    `mapstructure:"initial_capacity" yaml:"initial_capacity"`
	MaxEntries      int    `mapstructure:"max_entries" yaml:"max_entries"` // 0 = unbounded
	NumTables       int    `mapstructure:"num_tables" yaml:"num_tables"`
	BucketSize      int    `mapstructure:"bucket_size" yaml:"bucket_size"`
	MaxKicks        int    `mapstructure:"max_kicks" yaml:"max_kicks"` // 0 = derived from capacity
	GrowthFactor    int    `mapstructure:"growth_factor" yaml:"growth_factor"`
	Seed            uint64 `mapstructure:"seed" yaml:"seed"`
}

// ─── Decoder ───

// DecoderConfig controls L2-L4 decoding.
type DecoderConfig struct {
	DecapTunnels bool `mapstructure:"decap_tunnels" yaml:"decap_tunnels"`
}

// ─── Reassembly ───

// ReassemblyConfig controls IPv4 fragment reassembly.
type ReassemblyConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	Timeout           string `mapstructure:"timeout" yaml:"timeout"`
	MaxFragments      int    `mapstructure:"max_fragments" yaml:"max_fragments"`
	MaxReassembleSize int    `mapstructure:"max_reassemble_size" yaml:"max_reassemble_size"`
	MaxDatagrams      int    `mapstructure:"max_datagrams" yaml:"max_datagrams"`
	MaxFragsPerIP     int    `mapstructure:"max_frags_per_ip" yaml:"max_frags_per_ip"` // 0 = no rate limit
	RateLimitWindow   string `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`

	timeout, window time.Duration
}

// ─── Streams ───

// StreamsConfig contains stream idle timeouts.
type StreamsConfig struct {
	UDPTimeout        string `mapstructure:"udp_timeout" yaml:"udp_timeout"`
	TCPTimeout        string `mapstructure:"tcp_timeout" yaml:"tcp_timeout"`
	TCPClosingTimeout string `mapstructure:"tcp_closing_timeout" yaml:"tcp_closing_timeout"`
	OtherTimeout      string `mapstructure:"other_timeout" yaml:"other_timeout"`
	ReapInterval      string `mapstructure:"reap_interval" yaml:"reap_interval"`

	timeouts     flow.Timeouts
	reapInterval time.Duration
}

// ─── Workers ───

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Count      int `mapstructure:"count" yaml:"count"` // 0 = GOMAXPROCS
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// ─── Export ───

// ExportConfig configures where finished streams go.
type ExportConfig struct {
	QueueSize     int                 `mapstructure:"queue_size" yaml:"queue_size"`
	BatchSize     int                 `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval string              `mapstructure:"flush_interval" yaml:"flush_interval"`
	Console       ConsoleExportConfig `mapstructure:"console" yaml:"console"`
	Kafka         KafkaExportConfig   `mapstructure:"kafka" yaml:"kafka"`

	flushInterval time.Duration
}

// ConsoleExportConfig configures the console exporter.
type ConsoleExportConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Format  string `mapstructure:"format" yaml:"format"` // json / text
}

// KafkaExportConfig configures the Kafka exporter.
type KafkaExportConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string `mapstructure:"brokers" yaml:"brokers"`
	Topic        string   `mapstructure:"topic" yaml:"topic"`
	BatchSize    int      `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string   `mapstructure:"compression" yaml:"compression"` // none | gzip | snappy | lz4 | zstd
	MaxAttempts  int      `mapstructure:"max_attempts" yaml:"max_attempts"`

	batchTimeout time.Duration
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `flowtrack: ...`.
type configRoot struct {
	Flowtrack GlobalConfig `mapstructure:"flowtrack"`
}

// Load loads configuration from file. An empty path loads the defaults.
// The YAML file uses `flowtrack:` as root key; env vars use the FLOWTRACK_
// prefix (e.g., FLOWTRACK_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// The `flowtrack.` key prefix maps to `FLOWTRACK_` in env vars via the
	// key replacer (e.g., key "flowtrack.log.level" → env "FLOWTRACK_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Flowtrack

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "flowtrack." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("flowtrack.log.level", "info")
	v.SetDefault("flowtrack.log.format", "json")
	v.SetDefault("flowtrack.log.file.enabled", false)
	v.SetDefault("flowtrack.log.file.path", "/var/log/flowtrack/flowtrack.log")
	v.SetDefault("flowtrack.log.file.max_size_mb", 100)
	v.SetDefault("flowtrack.log.file.max_age_days", 30)
	v.SetDefault("flowtrack.log.file.max_backups", 5)
	v.SetDefault("flowtrack.log.file.compress", true)

	// Metrics defaults
	v.SetDefault("flowtrack.metrics.enabled", false)
	v.SetDefault("flowtrack.metrics.listen", ":9091")
	v.SetDefault("flowtrack.metrics.path", "/metrics")

	// Capture defaults
	v.SetDefault("flowtrack.capture.interface", "")
	v.SetDefault("flowtrack.capture.snap_len", 65535)
	v.SetDefault("flowtrack.capture.buffer_size_mb", 64)
	v.SetDefault("flowtrack.capture.poll_timeout", "100ms")
	v.SetDefault("flowtrack.capture.fanout_id", 0)
	v.SetDefault("flowtrack.capture.ip_only", true)

	// Flow table defaults
	v.SetDefault("flowtrack.flow_table.initial_capacity", 1024)
	v.SetDefault("flowtrack.flow_table.max_entries", 0)
	v.SetDefault("flowtrack.flow_table.num_tables", 2)
	v.SetDefault("flowtrack.flow_table.bucket_size", 4)
	v.SetDefault("flowtrack.flow_table.max_kicks", 0)
	v.SetDefault("flowtrack.flow_table.growth_factor", 2)
	v.SetDefault("flowtrack.flow_table.seed", 0)

	v.SetDefault("flowtrack.decoder.decap_tunnels", false)

	// Reassembly defaults
	v.SetDefault("flowtrack.reassembly.enabled", true)
	v.SetDefault("flowtrack.reassembly.timeout", "60s")
	v.SetDefault("flowtrack.reassembly.max_fragments", 100)
	v.SetDefault("flowtrack.reassembly.max_reassemble_size", 65535)
	v.SetDefault("flowtrack.reassembly.max_datagrams", 65536)
	v.SetDefault("flowtrack.reassembly.max_frags_per_ip", 0)
	v.SetDefault("flowtrack.reassembly.rate_limit_window", "10s")

	// Stream defaults
	v.SetDefault("flowtrack.streams.udp_timeout", "30s")
	v.SetDefault("flowtrack.streams.tcp_timeout", "5m")
	v.SetDefault("flowtrack.streams.tcp_closing_timeout", "10s")
	v.SetDefault("flowtrack.streams.other_timeout", "30s")
	v.SetDefault("flowtrack.streams.reap_interval", "1s")

	// Worker defaults
	v.SetDefault("flowtrack.workers.count", 0)
	v.SetDefault("flowtrack.workers.buffer_size", 1024)

	// Export defaults
	v.SetDefault("flowtrack.export.queue_size", 8192)
	v.SetDefault("flowtrack.export.batch_size", 100)
	v.SetDefault("flowtrack.export.flush_interval", "1s")
	v.SetDefault("flowtrack.export.console.enabled", true)
	v.SetDefault("flowtrack.export.console.format", "json")
	v.SetDefault("flowtrack.export.kafka.enabled", false)
	v.SetDefault("flowtrack.export.kafka.brokers", []string{})
	v.SetDefault("flowtrack.export.kafka.topic", "flowtrack-flows")
	v.SetDefault("flowtrack.export.kafka.batch_size", 100)
	v.SetDefault("flowtrack.export.kafka.batch_timeout", "100ms")
	v.SetDefault("flowtrack.export.kafka.compression", "snappy")
	v.SetDefault("flowtrack.export.kafka.max_attempts", 3)
}

// ValidateAndApplyDefaults validates configuration and parses durations.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return invalid("log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return invalid("log format: %s (must be json/text)", cfg.Log.Format)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		return invalid("log.file.path is required when log.file.enabled=true")
	}

	// ── Capture ──
	var err error
	cp := &cfg.Capture
	if cp.SnapLen <= 0 || cp.BufferSizeMB <= 0 {
		return invalid("capture.snap_len and buffer_size_mb must be positive")
	}
	if cp.pollTimeout, err = positiveDuration("capture.poll_timeout", cp.PollTimeout); err != nil {
		return err
	}

	// ── Flow table ──
	ft := &cfg.FlowTable
	if ft.InitialCapacity <= 0 {
		return invalid("flow_table.initial_capacity must be positive, got %d", ft.InitialCapacity)
	}
	if ft.MaxEntries < 0 || ft.MaxKicks < 0 {
		return invalid("flow_table.max_entries and max_kicks must not be negative")
	}
	if ft.NumTables < 2 || ft.NumTables > 4 {
		return invalid("flow_table.num_tables must be 2..4, got %d", ft.NumTables)
	}
	if ft.BucketSize <= 0 {
		return invalid("flow_table.bucket_size must be positive, got %d", ft.BucketSize)
	}
	if ft.GrowthFactor < 2 || ft.GrowthFactor&(ft.GrowthFactor-1) != 0 {
		return invalid("flow_table.growth_factor must be a power of two >= 2, got %d", ft.GrowthFactor)
	}

	// ── Reassembly ──
	ra := &cfg.Reassembly
	if ra.timeout, err = positiveDuration("reassembly.timeout", ra.Timeout); err != nil {
		return err
	}
	if ra.window, err = positiveDuration("reassembly.rate_limit_window", ra.RateLimitWindow); err != nil {
		return err
	}
	if ra.MaxFragments <= 0 || ra.MaxDatagrams <= 0 {
		return invalid("reassembly.max_fragments and max_datagrams must be positive")
	}
	if ra.MaxReassembleSize <= 0 || ra.MaxReassembleSize > 65535 {
		return invalid("reassembly.max_reassemble_size must be 1..65535, got %d", ra.MaxReassembleSize)
	}
	if ra.MaxFragsPerIP < 0 {
		return invalid("reassembly.max_frags_per_ip must not be negative")
	}

	// ── Streams ──
	st := &cfg.Streams
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"streams.udp_timeout", st.UDPTimeout, &st.timeouts.UDP},
		{"streams.tcp_timeout", st.TCPTimeout, &st.timeouts.TCP},
		{"streams.tcp_closing_timeout", st.TCPClosingTimeout, &st.timeouts.TCPClosing},
		{"streams.other_timeout", st.OtherTimeout, &st.timeouts.Other},
		{"streams.reap_interval", st.ReapInterval, &st.reapInterval},
	} {
		if *d.dst, err = positiveDuration(d.name, d.value); err != nil {
			return err
		}
	}

	// ── Workers ──
	if cfg.Workers.Count < 0 {
		return invalid("workers.count must not be negative")
	}
	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = runtime.GOMAXPROCS(0)
	}
	if cfg.Workers.BufferSize <= 0 {
		return invalid("workers.buffer_size must be positive")
	}

	// ── Export ──
	ex := &cfg.Export
	if ex.QueueSize <= 0 || ex.BatchSize <= 0 {
		return invalid("export.queue_size and batch_size must be positive")
	}
	if ex.flushInterval, err = positiveDuration("export.flush_interval", ex.FlushInterval); err != nil {
		return err
	}
	if ex.Console.Format != "json" && ex.Console.Format != "text" {
		return invalid("export.console.format: %s (must be json/text)", ex.Console.Format)
	}
	if ex.Kafka.batchTimeout, err = positiveDuration("export.kafka.batch_timeout", ex.Kafka.BatchTimeout); err != nil {
		return err
	}
	if ex.Kafka.Enabled {
		if len(ex.Kafka.Brokers) == 0 {
			return invalid("export.kafka.brokers is required when export.kafka.enabled=true")
		}
		if ex.Kafka.Topic == "" {
			return invalid("export.kafka.topic is required when export.kafka.enabled=true")
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{core.ErrConfigInvalid}, args...)...)
}

func positiveDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, invalid("%s: %v", name, err)
	}
	if d <= 0 {
		return 0, invalid("%s must be positive, got %s", name, value)
	}
	return d, nil
}

// ─── Component configuration ───

// TrackerConfig returns the stream tracker settings of one worker.
func (cfg *GlobalConfig) TrackerConfig() flow.TrackerConfig {
	return flow.TrackerConfig{
		Name:            "streams",
		InitialCapacity: cfg.FlowTable.InitialCapacity,
		MaxFlows:        cfg.FlowTable.MaxEntries,
		Timeouts:        cfg.Streams.timeouts,
		Seed:            cfg.FlowTable.Seed,
		NumTables:       cfg.FlowTable.NumTables,
		BucketSize:      cfg.FlowTable.BucketSize,
		MaxKicks:        cfg.FlowTable.MaxKicks,
		GrowthFactor:    cfg.FlowTable.GrowthFactor,
	}
}

// CaptureConfig returns the live capture settings. The interface may be
// overridden by the caller.
func (cfg *GlobalConfig) CaptureConfig() afpacket.Config {
	cp := cfg.Capture
	return afpacket.Config{
		Interface:    cp.Interface,
		SnapLen:      cp.SnapLen,
		BufferSizeMB: cp.BufferSizeMB,
		PollTimeout:  cp.pollTimeout,
		FanoutID:     cp.FanoutID,
		IPOnly:       cp.IPOnly,
	}
}

// DecoderConfig returns the decoder and reassembly settings of one worker.
func (cfg *GlobalConfig) DecoderConfig() decoder.Config {
	ra := cfg.Reassembly
	return decoder.Config{
		DecapTunnels:      cfg.Decoder.DecapTunnels,
		DisableReassembly: !ra.Enabled,
		Reassembly: decoder.ReassemblyConfig{
			Name:              "fragments",
			MaxFragments:      ra.MaxFragments,
			MaxReassembleSize: ra.MaxReassembleSize,
			Timeout:           ra.timeout,
			MaxDatagrams:      ra.MaxDatagrams,
			MaxFragsPerIP:     ra.MaxFragsPerIP,
			RateLimitWindow:   ra.window,
		},
	}
}

// PipelineConfig returns the template every worker pipeline is built from.
func (cfg *GlobalConfig) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Decoder:      cfg.DecoderConfig(),
		Tracker:      cfg.TrackerConfig(),
		ReapInterval: cfg.Streams.reapInterval,
		BufferSize:   cfg.Workers.BufferSize,
	}
}

// DispatcherConfig returns the export batching settings.
func (cfg *GlobalConfig) DispatcherConfig() export.DispatcherConfig {
	return export.DispatcherConfig{
		QueueSize:     cfg.Export.QueueSize,
		BatchSize:     cfg.Export.BatchSize,
		FlushInterval: cfg.Export.flushInterval,
	}
}

// ExportersConfig returns the exporter settings.
func (cfg *GlobalConfig) ExportersConfig() export.Config {
	k := cfg.Export.Kafka
	return export.Config{
		Console: export.ConsoleConfig{
			Enabled: cfg.Export.Console.Enabled,
			Format:  cfg.Export.Console.Format,
		},
		Kafka: export.KafkaConfig{
			Enabled:      k.Enabled,
			Brokers:      k.Brokers,
			Topic:        k.Topic,
			BatchSize:    k.BatchSize,
			BatchTimeout: k.batchTimeout,
			Compression:  k.Compression,
			MaxAttempts:  k.MaxAttempts,
		},
	}
}
