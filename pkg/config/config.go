// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Reader modes.
const (
	ReaderTshark = "tshark"
	ReaderPcap   = "pcap"
	ReaderJSON   = "json"
)

// Config is the top-level configuration for pcaphar.
type Config struct {
	LogLevel   string           `yaml:"log_level" env:"PCAPHAR_LOG_LEVEL"`
	Reader     ReaderConfig     `yaml:"reader"`
	Tshark     TsharkConfig     `yaml:"tshark"`
	Reassembly ReassemblyConfig `yaml:"reassembly"`
	HAR        HARConfig        `yaml:"har"`
	Redaction  RedactionConfig  `yaml:"redaction"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Output     OutputConfig     `yaml:"output"`
	Export     ExportConfig     `yaml:"export"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Watch      WatchConfig      `yaml:"watch"`
	Health     HealthConfig     `yaml:"health"`
}

// ReaderConfig selects how packet records are produced.
type ReaderConfig struct {
	Mode string `yaml:"mode"` // "tshark", "pcap" or "json"
	// QueueSize bounds each channel between pipeline stages.
	QueueSize int `yaml:"queue_size"`
}

type TsharkConfig struct {
	Path          string        `yaml:"path"` // empty = look up on PATH, then platform defaults
	DisplayFilter string        `yaml:"display_filter"`
	KeyLogFile    string        `yaml:"keylog_file"`
	ExtraArgs     []string      `yaml:"extra_args"`
	PayloadFields []string      `yaml:"payload_fields"`
	StallTimeout  time.Duration `yaml:"stall_timeout"`
}

type ReassemblyConfig struct {
	MaxBufferSize      int    `yaml:"max_buffer_size"`
	MaxPendingSegments int    `yaml:"max_pending_segments"`
	CommunityIDSeed    uint16 `yaml:"community_id_seed"`
}

// HARConfig tunes the produced document.
type HARConfig struct {
	CreatorComment string `yaml:"creator_comment"`
}

// RedactionConfig configures masking of secrets in written documents.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled"`
	Headers []string        `yaml:"headers"`
	Rules   []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-defined redaction pattern.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type EnrichmentConfig struct {
	Stacktrace StacktraceConfig `yaml:"stacktrace"`
	Decryption DecryptionConfig `yaml:"decryption"`
}

type StacktraceConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"` // socket-operation feed
	Window  time.Duration `yaml:"window"`
}

type DecryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // crypto-operation feed
}

type OutputConfig struct {
	Path      string `yaml:"path"` // empty = input path with .har extension
	Overwrite bool   `yaml:"overwrite"`
}

type ExportConfig struct {
	OTLP OTLPConfig `yaml:"otlp"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc", "http" or "stdout"
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	Timeout     time.Duration     `yaml:"timeout"`
	// SampleRate keeps this fraction of traces, decided by trace id. Error
	// spans are always kept.
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig controls run counters written after each conversion.
type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TextfilePath string `yaml:"textfile_path"` // node_exporter textfile collector target
}

// WatchConfig enables converting captures as they appear in a directory.
type WatchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Dir       string        `yaml:"dir"`
	OutputDir string        `yaml:"output_dir"` // empty = next to the capture
	Patterns  []string      `yaml:"patterns"`
	Settle    time.Duration `yaml:"settle"` // quiet period before a file is considered complete
	Workers   int           `yaml:"workers"`
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"PCAPHAR_HEALTH_PORT"` // e.g. ":8687"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Reader: ReaderConfig{
			Mode:      ReaderTshark,
			QueueSize: 256,
		},
		Tshark: TsharkConfig{
			DisplayFilter: "tcp",
			PayloadFields: []string{"tcp.payload"},
			StallTimeout:  2 * time.Minute,
		},
		Reassembly: ReassemblyConfig{
			MaxBufferSize:      32 << 20,
			MaxPendingSegments: 1024,
		},
		Enrichment: EnrichmentConfig{
			Stacktrace: StacktraceConfig{Window: 5 * time.Second},
		},
		Export: ExportConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
				ServiceName: "pcaphar",
				Timeout:     10 * time.Second,
				SampleRate:  1.0,
			},
		},
		Watch: WatchConfig{
			Patterns: []string{"*.pcap", "*.pcapng"},
			Settle:   2 * time.Second,
			Workers:  2,
		},
		Health: HealthConfig{
			Enabled: false,
			Port:    ":8687",
		},
	}
}

// ApplyEnvOverrides reads PCAPHAR_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"PCAPHAR_LOG_LEVEL":                func(v string) { c.LogLevel = v },
		"PCAPHAR_READER_MODE":              func(v string) { c.Reader.Mode = v },
		"PCAPHAR_TSHARK_PATH":              func(v string) { c.Tshark.Path = v },
		"PCAPHAR_TSHARK_DISPLAY_FILTER":    func(v string) { c.Tshark.DisplayFilter = v },
		"PCAPHAR_TSHARK_KEYLOG_FILE":       func(v string) { c.Tshark.KeyLogFile = v },
		"PCAPHAR_STACKTRACE_PATH":          func(v string) { c.Enrichment.Stacktrace.Path = v },
		"PCAPHAR_DECRYPTION_PATH":          func(v string) { c.Enrichment.Decryption.Path = v },
		"PCAPHAR_OUTPUT_PATH":              func(v string) { c.Output.Path = v },
		"PCAPHAR_EXPORT_OTLP_ENDPOINT":     func(v string) { c.Export.OTLP.Endpoint = v },
		"PCAPHAR_EXPORT_OTLP_PROTOCOL":     func(v string) { c.Export.OTLP.Protocol = v },
		"PCAPHAR_EXPORT_OTLP_SERVICE_NAME": func(v string) { c.Export.OTLP.ServiceName = v },
		"PCAPHAR_METRICS_TEXTFILE_PATH":    func(v string) { c.Metrics.TextfilePath = v },
		"PCAPHAR_WATCH_DIR":                func(v string) { c.Watch.Dir = v },
		"PCAPHAR_HEALTH_PORT":              func(v string) { c.Health.Port = v },
	}

	boolOverrides := map[string]*bool{
		"PCAPHAR_OUTPUT_OVERWRITE":     &c.Output.Overwrite,
		"PCAPHAR_REDACTION_ENABLED":    &c.Redaction.Enabled,
		"PCAPHAR_STACKTRACE_ENABLED":   &c.Enrichment.Stacktrace.Enabled,
		"PCAPHAR_DECRYPTION_ENABLED":   &c.Enrichment.Decryption.Enabled,
		"PCAPHAR_EXPORT_OTLP_ENABLED":  &c.Export.OTLP.Enabled,
		"PCAPHAR_EXPORT_OTLP_INSECURE": &c.Export.OTLP.Insecure,
		"PCAPHAR_METRICS_ENABLED":      &c.Metrics.Enabled,
		"PCAPHAR_WATCH_ENABLED":        &c.Watch.Enabled,
		"PCAPHAR_HEALTH_ENABLED":       &c.Health.Enabled,
	}

	durationOverrides := map[string]*time.Duration{
		"PCAPHAR_STACKTRACE_WINDOW":    &c.Enrichment.Stacktrace.Window,
		"PCAPHAR_TSHARK_STALL_TIMEOUT": &c.Tshark.StallTimeout,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}

	if val := os.Getenv("PCAPHAR_COMMUNITY_ID_SEED"); val != "" {
		if n, err := strconv.ParseUint(strings.TrimSpace(val), 10, 16); err == nil {
			c.Reassembly.CommunityIDSeed = uint16(n)
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Reader.Mode {
	case ReaderTshark, ReaderPcap, ReaderJSON:
	default:
		return fmt.Errorf("reader.mode must be 'tshark', 'pcap' or 'json'")
	}
	if c.Reader.QueueSize < 1 {
		return fmt.Errorf("reader.queue_size must be positive")
	}

	if c.Reassembly.MaxBufferSize < 0 || c.Reassembly.MaxPendingSegments < 0 {
		return fmt.Errorf("reassembly limits must not be negative")
	}

	if c.Enrichment.Stacktrace.Enabled && c.Enrichment.Stacktrace.Window < time.Millisecond {
		return fmt.Errorf("enrichment.stacktrace.window must be at least 1ms")
	}

	if c.Export.OTLP.Enabled {
		if c.Export.OTLP.Endpoint == "" {
			return fmt.Errorf("export.otlp.endpoint is required when OTLP is enabled")
		}
		switch c.Export.OTLP.Protocol {
		case "grpc", "http", "stdout":
		default:
			return fmt.Errorf("export.otlp.protocol must be 'grpc', 'http' or 'stdout'")
		}
		if comp := c.Export.OTLP.Compression; comp != "" && comp != "gzip" && comp != "none" {
			return fmt.Errorf("export.otlp.compression must be 'gzip' or 'none'")
		}
		if r := c.Export.OTLP.SampleRate; r < 0 || r > 1 {
			return fmt.Errorf("export.otlp.sample_rate must be between 0 and 1")
		}
	}

	if c.Watch.Enabled {
		if c.Watch.Dir == "" {
			return fmt.Errorf("watch.dir is required when watch mode is enabled")
		}
		if c.Watch.Workers < 1 {
			return fmt.Errorf("watch.workers must be positive")
		}
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	return nil
}
