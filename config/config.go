package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport selects which MCP transport the server speaks.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Config is the complete, validated configuration surface from spec.md §6.
type Config struct {
	WorkspaceRoot string    `yaml:"workspace_root" json:"workspace_root"`
	CacheCapacity int       `yaml:"cache_capacity" json:"cache_capacity"`
	Extensions    []string  `yaml:"extensions" json:"extensions"`
	Transport     Transport `yaml:"transport" json:"transport"`
	HTTPBind      string    `yaml:"http_bind" json:"http_bind"`

	RecalcEnabled       bool `yaml:"recalc_enabled" json:"recalc_enabled"`
	VBAEnabled          bool `yaml:"vba_enabled" json:"vba_enabled"`
	MaxConcurrentRecalcs int  `yaml:"max_concurrent_recalcs" json:"max_concurrent_recalcs"`
	RecalcTimeoutMS      int  `yaml:"recalc_timeout_ms" json:"recalc_timeout_ms"`
	RecalcBackend       RecalcBackendConfig `yaml:"recalc_backend" json:"recalc_backend"`

	ToolTimeoutMS   *int `yaml:"tool_timeout_ms" json:"tool_timeout_ms"`
	MaxResponseBytes *int `yaml:"max_response_bytes" json:"max_response_bytes"`

	AllowOverwrite bool     `yaml:"allow_overwrite" json:"allow_overwrite"`
	DisabledTools  []string `yaml:"disabled_tools" json:"disabled_tools"`

	ForkTTLSeconds int `yaml:"fork_ttl_seconds" json:"fork_ttl_seconds"`
	MaxForks       int `yaml:"max_forks" json:"max_forks"`
	ScratchDir     string `yaml:"scratch_dir" json:"scratch_dir"`

	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	MaxOpenWorkbooks      int `yaml:"max_open_workbooks" json:"max_open_workbooks"`
}

// RecalcBackendConfig names the external command template the recalc
// orchestrator invokes. Empty Binary means "use the package default"
// (a headless LibreOffice invocation).
type RecalcBackendConfig struct {
	Binary string   `yaml:"binary" json:"binary"`
	Args   []string `yaml:"args" json:"args"`
}

// RecalcTimeout returns the configured per-recalc timeout as a Duration.
func (c Config) RecalcTimeout() time.Duration {
	if c.RecalcTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RecalcTimeoutMS) * time.Millisecond
}

// ToolTimeout returns the configured per-tool timeout, or 0 when disabled.
func (c Config) ToolTimeout() time.Duration {
	if c.ToolTimeoutMS == nil {
		return 0
	}
	return time.Duration(*c.ToolTimeoutMS) * time.Millisecond
}

// MaxResponseBytesOrZero returns the configured max response size, or 0 when disabled.
func (c Config) MaxResponseBytesOrZero() int {
	if c.MaxResponseBytes == nil {
		return 0
	}
	return *c.MaxResponseBytes
}

// ForkTTL returns the configured fork idle TTL as a Duration.
func (c Config) ForkTTL() time.Duration {
	return time.Duration(c.ForkTTLSeconds) * time.Second
}

// Default returns a Config populated with the package defaults; callers
// overlay environment variables and/or a config file on top of it.
func Default() Config {
	toolTimeoutMS := int(DefaultOperationTimeout / time.Millisecond)
	maxResponseBytes := DefaultMaxResponseBytes
	return Config{
		CacheCapacity:         DefaultCacheCapacity,
		Extensions:            append([]string(nil), DefaultExtensions...),
		Transport:             TransportStdio,
		MaxConcurrentRecalcs:  DefaultMaxConcurrentRecalcs,
		ToolTimeoutMS:         &toolTimeoutMS,
		MaxResponseBytes:      &maxResponseBytes,
		ForkTTLSeconds:        int(DefaultForkTTL / time.Second),
		MaxForks:              DefaultMaxForks,
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		MaxOpenWorkbooks:      DefaultMaxOpenWorkbooks,
		ScratchDir:            filepath.Join(os.TempDir(), "sheetforge-scratch"),
	}
}

// Load builds a Config by layering, in increasing priority: package
// defaults, an optional YAML/JSON file (path from configPath or the
// MCPXCEL_CONFIG_FILE env var), then MCPXCEL_* environment variables.
// It does not validate; call Validate separately so callers can choose
// where a failure becomes fatal (spec.md §4.9: fatal at startup).
func Load(configPath string) (Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = os.Getenv("MCPXCEL_CONFIG_FILE")
	}
	if configPath != "" {
		if err := loadFile(configPath, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: load file %q: %w", configPath, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		// Try YAML first (a superset-ish of JSON for our purposes), then JSON.
		if err := yaml.Unmarshal(data, cfg); err == nil {
			return nil
		}
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MCPXCEL_WORKSPACE_ROOT"); ok {
		cfg.WorkspaceRoot = v
	}
	if v, ok := os.LookupEnv("MCPXCEL_CACHE_CAPACITY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheCapacity = n
		}
	}
	if v, ok := os.LookupEnv("MCPXCEL_EXTENSIONS"); ok {
		cfg.Extensions = splitList(v)
	}
	if v, ok := os.LookupEnv("MCPXCEL_TRANSPORT"); ok {
		cfg.Transport = Transport(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := os.LookupEnv("MCPXCEL_HTTP_BIND"); ok {
		cfg.HTTPBind = v
	}
	if v, ok := os.LookupEnv("MCPXCEL_RECALC_ENABLED"); ok {
		cfg.RecalcEnabled = parseBool(v)
	}
	if v, ok := os.LookupEnv("MCPXCEL_VBA_ENABLED"); ok {
		cfg.VBAEnabled = parseBool(v)
	}
	if v, ok := os.LookupEnv("MCPXCEL_MAX_CONCURRENT_RECALCS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentRecalcs = n
		}
	}
	if v, ok := os.LookupEnv("MCPXCEL_RECALC_TIMEOUT_MS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RecalcTimeoutMS = n
		}
	}
	if v, ok := os.LookupEnv("MCPXCEL_RECALC_BACKEND_BINARY"); ok {
		cfg.RecalcBackend.Binary = v
	}
	if v, ok := os.LookupEnv("MCPXCEL_RECALC_BACKEND_ARGS"); ok {
		cfg.RecalcBackend.Args = splitList(v)
	}
	if v, ok := os.LookupEnv("MCPXCEL_TOOL_TIMEOUT_MS"); ok {
		if strings.EqualFold(v, "null") || v == "" {
			cfg.ToolTimeoutMS = nil
		} else if n, err := strconv.Atoi(v); err == nil {
			cfg.ToolTimeoutMS = &n
		}
	}
	if v, ok := os.LookupEnv("MCPXCEL_MAX_RESPONSE_BYTES"); ok {
		if strings.EqualFold(v, "null") || v == "" {
			cfg.MaxResponseBytes = nil
		} else if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxResponseBytes = &n
		}
	}
	if v, ok := os.LookupEnv("MCPXCEL_ALLOW_OVERWRITE"); ok {
		cfg.AllowOverwrite = parseBool(v)
	}
	if v, ok := os.LookupEnv("MCPXCEL_DISABLED_TOOLS"); ok {
		cfg.DisabledTools = splitList(v)
	}
	if v, ok := os.LookupEnv("MCPXCEL_FORK_TTL_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ForkTTLSeconds = n
		}
	}
	if v, ok := os.LookupEnv("MCPXCEL_MAX_FORKS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxForks = n
		}
	}
	if v, ok := os.LookupEnv("MCPXCEL_SCRATCH_DIR"); ok {
		cfg.ScratchDir = v
	}
	if v, ok := os.LookupEnv("MCPXCEL_MAX_CONCURRENT_REQUESTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentRequests = n
		}
	}
	if v, ok := os.LookupEnv("MCPXCEL_MAX_OPEN_WORKBOOKS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxOpenWorkbooks = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "1" || s == "true" || s == "yes"
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// minToolTimeout is the floor spec.md §4.9 requires for tool_timeout_ms.
const minToolTimeout = 100 * time.Millisecond

// Validate enforces spec.md §4.9's startup validation rules. Every
// violation is fatal: the server must not start with an invalid config.
func (c Config) Validate() error {
	if strings.TrimSpace(c.WorkspaceRoot) == "" {
		return fmt.Errorf("config: workspace_root is required")
	}
	info, err := os.Stat(c.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("config: workspace_root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: workspace_root must be a directory")
	}
	if c.CacheCapacity < 1 || c.CacheCapacity > 1000 {
		return fmt.Errorf("config: cache_capacity must be in [1,1000], got %d", c.CacheCapacity)
	}
	if c.ToolTimeoutMS != nil {
		d := time.Duration(*c.ToolTimeoutMS) * time.Millisecond
		if d < minToolTimeout || d > 10*time.Minute {
			return fmt.Errorf("config: tool_timeout_ms must be in [%d,%d]ms, got %d", minToolTimeout.Milliseconds(), (10 * time.Minute).Milliseconds(), *c.ToolTimeoutMS)
		}
	}
	if c.MaxResponseBytes != nil {
		if *c.MaxResponseBytes < 1024 || *c.MaxResponseBytes > 100*1024*1024 {
			return fmt.Errorf("config: max_response_bytes must be in [1024,%d], got %d", 100*1024*1024, *c.MaxResponseBytes)
		}
	}
	if c.Transport == TransportHTTP && strings.TrimSpace(c.HTTPBind) == "" {
		return fmt.Errorf("config: http_bind is required when transport=http")
	}
	if c.Transport != TransportStdio && c.Transport != TransportHTTP {
		return fmt.Errorf("config: transport must be 'stdio' or 'http', got %q", c.Transport)
	}
	if c.MaxForks < 1 {
		return fmt.Errorf("config: max_forks must be >= 1, got %d", c.MaxForks)
	}
	if c.MaxConcurrentRecalcs < 1 {
		return fmt.Errorf("config: max_concurrent_recalcs must be >= 1, got %d", c.MaxConcurrentRecalcs)
	}
	if strings.TrimSpace(c.ScratchDir) == "" {
		return fmt.Errorf("config: scratch_dir is required")
	}
	if err := os.MkdirAll(c.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("config: scratch_dir %q is not writable: %w", c.ScratchDir, err)
	}
	probe := filepath.Join(c.ScratchDir, ".write-probe")
	if err := os.WriteFile(probe, []byte{}, 0o644); err != nil {
		return fmt.Errorf("config: scratch_dir %q is not writable: %w", c.ScratchDir, err)
	}
	_ = os.Remove(probe)
	return nil
}
