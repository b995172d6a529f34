// Package config loads Kioku's configuration from a YAML file with
// environment variable overrides.
//
// Resolution order: built-in defaults, then the YAML file (if present), then
// KIOKU_* environment variables. The result is an explicit value handed to
// the session coordinator; nothing in Kioku reads configuration globally.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kioku/common/environment"
	"github.com/bdobrica/Kioku/internal/kioku/codec"
	"github.com/bdobrica/Kioku/internal/kioku/compaction"
	"github.com/bdobrica/Kioku/internal/kioku/errs"
	"github.com/bdobrica/Kioku/internal/kioku/format"
	"github.com/bdobrica/Kioku/internal/kioku/observability"
	"github.com/bdobrica/Kioku/internal/kioku/retention"
	"github.com/bdobrica/Kioku/internal/kioku/session"
	"github.com/bdobrica/Kioku/internal/kioku/storage"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KIOKU_"

// Defaults.
const (
	DefaultMaxTokens    = 8000
	DefaultKeepSessions = 10
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
)

// Config is the complete Kioku configuration.
type Config struct {
	MaxTokens    int           `yaml:"max_tokens"`
	AutoSave     *bool         `yaml:"auto_save"`
	KeepSessions int           `yaml:"keep_sessions"`
	Policy       PolicyConfig  `yaml:"policy"`
	Storage      StorageConfig `yaml:"storage"`
	Format       FormatConfig  `yaml:"format"`
	Log          LogConfig     `yaml:"log"`
}

// PolicyConfig selects the compaction policy. Budgets left unset are filled
// from MaxTokens by ApplyDefaults; an explicit 0 is kept.
type PolicyConfig struct {
	Kind         compaction.Kind `yaml:"kind"`
	MaxTokens    *int            `yaml:"max_tokens"`
	SystemBudget *int            `yaml:"system_budget"`
	RecentBudget *int            `yaml:"recent_budget"`
	TargetTokens *int            `yaml:"target_tokens"`

	MinRecent *int               `yaml:"min_recent"`
	Weights   *retention.Weights `yaml:"weights"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Dir         string `yaml:"dir"`
	Codec       string `yaml:"codec"`
	Compress    bool   `yaml:"compress"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// FormatConfig names the downstream model format. When set and MaxTokens is
// not, MaxTokens is derived from the format's context window minus
// SafetyMargin.
type FormatConfig struct {
	Name         string `yaml:"name"`
	SafetyMargin int    `yaml:"safety_margin"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the per-user configuration file path,
// $XDG_CONFIG_HOME/kioku/config.yaml on Linux.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve config dir: %w", err)
	}
	return filepath.Join(base, "kioku", "config.yaml"), nil
}

// Load reads the YAML file at path, applies environment overrides from the
// process environment, fills defaults and validates. An empty path means
// DefaultPath(). A missing file is not an error.
func Load(path string) (*Config, error) {
	return LoadFrom(path, environment.Prefixed(EnvPrefix))
}

// LoadFrom is Load with an explicit environment source.
func LoadFrom(path string, env environment.Source) (*Config, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, errs.Configuration("config.Load", "%v", err)
		}
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if cfg, err = Parse(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("config: no config file, using defaults", "path", path)
	default:
		return nil, errs.Configuration("config.Load", "read %s: %v", path, err)
	}

	if err := cfg.ApplyEnv(env); err != nil {
		return nil, err
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML without applying defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errs.Configuration("config.Parse", "%v", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KIOKU_* variables.
func (c *Config) ApplyEnv(env environment.Source) error {
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	setInt := func(name string, dst *int) {
		if n, ok, err := env.Int(name); err != nil {
			fail(err)
		} else if ok {
			*dst = n
		}
	}
	setIntPtr := func(name string, dst **int) {
		if n, ok, err := env.Int(name); err != nil {
			fail(err)
		} else if ok {
			*dst = &n
		}
	}
	setString := func(name string, dst *string) {
		if v, ok := env.String(name); ok {
			*dst = v
		}
	}

	setInt("max_tokens", &c.MaxTokens)
	setInt("keep_sessions", &c.KeepSessions)
	if b, ok, err := env.Bool("auto_save"); err != nil {
		fail(err)
	} else if ok {
		c.AutoSave = &b
	}

	var kind string
	setString("policy", &kind)
	if kind != "" {
		c.Policy.Kind = compaction.Kind(kind)
	}
	setIntPtr("policy_max_tokens", &c.Policy.MaxTokens)
	setIntPtr("system_budget", &c.Policy.SystemBudget)
	setIntPtr("recent_budget", &c.Policy.RecentBudget)
	setIntPtr("target_tokens", &c.Policy.TargetTokens)
	setIntPtr("min_recent", &c.Policy.MinRecent)

	setString("storage_backend", &c.Storage.Backend)
	setString("storage_dir", &c.Storage.Dir)
	setString("storage_codec", &c.Storage.Codec)
	if b, ok, err := env.Bool("storage_compress"); err != nil {
		fail(err)
	} else if ok {
		c.Storage.Compress = b
	}
	setString("sqlite_path", &c.Storage.SQLitePath)
	setString("postgres_dsn", &c.Storage.PostgresDSN)

	setString("format", &c.Format.Name)
	setInt("safety_margin", &c.Format.SafetyMargin)

	setString("log_level", &c.Log.Level)
	setString("log_format", &c.Log.Format)

	if firstErr != nil {
		return errs.Configuration("config.ApplyEnv", "%v", firstErr)
	}
	return nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() error {
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
		if c.Format.Name != "" {
			window, err := format.ContextWindow(c.Format.Name)
			if err != nil {
				return err
			}
			c.MaxTokens = format.Budget(window, c.Format.SafetyMargin)
		}
	}
	if c.AutoSave == nil {
		on := true
		c.AutoSave = &on
	}
	if c.KeepSessions == 0 {
		c.KeepSessions = DefaultKeepSessions
	}

	p := &c.Policy
	if p.Kind == "" {
		p.Kind = compaction.KindSystemAndRecent
	}
	switch p.Kind {
	case compaction.KindSliding:
		setDefault(&p.MaxTokens, c.MaxTokens)
	case compaction.KindSystemAndRecent:
		// 1000/6000 at the 8000 default.
		setDefault(&p.SystemBudget, c.MaxTokens/8)
		setDefault(&p.RecentBudget, c.MaxTokens*3/4)
	case compaction.KindIntelligent:
		setDefault(&p.TargetTokens, c.MaxTokens*7/8)
	}
	setDefault(&p.MinRecent, compaction.DefaultMinRecent)
	if p.Weights == nil {
		w := retention.DefaultWeights()
		p.Weights = &w
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = storage.BackendFile
	}
	if c.Storage.Codec == "" {
		c.Storage.Codec = string(codec.FormatJSON)
	}
	if c.Storage.Backend == storage.BackendSQLite && c.Storage.SQLitePath == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return errs.Configuration("config.ApplyDefaults", "resolve sqlite path: %v", err)
		}
		c.Storage.SQLitePath = filepath.Join(base, "kioku", "kioku.db")
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	return nil
}

// Validate reports the first invalid setting as a ConfigurationError.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if c.MaxTokens <= 0 {
		return errs.Configuration(op, "max_tokens must be > 0, got %d", c.MaxTokens)
	}
	if c.KeepSessions < 0 {
		return errs.Configuration(op, "keep_sessions must be >= 0, got %d", c.KeepSessions)
	}
	policy := c.CompactionPolicy()
	if err := policy.Validate(); err != nil {
		return err
	}
	if ceiling := policy.Ceiling(); ceiling > c.MaxTokens {
		return errs.Configuration(op, "policy %s keeps up to %d tokens, more than max_tokens %d",
			policy, ceiling, c.MaxTokens)
	}
	if c.Policy.MinRecent != nil && *c.Policy.MinRecent < 0 {
		return errs.Configuration(op, "min_recent must be >= 0, got %d", *c.Policy.MinRecent)
	}
	if c.Policy.Weights != nil {
		if err := c.Policy.Weights.Validate(); err != nil {
			return err
		}
	}

	if _, err := codec.ParseFormat(c.Storage.Codec); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case storage.BackendFile, storage.BackendSQLite, storage.BackendMemory:
	case storage.BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errs.Configuration(op, "storage.postgres_dsn is required for the postgres backend")
		}
	default:
		return errs.Configuration(op, "unknown storage backend %q", c.Storage.Backend)
	}

	if c.Format.Name != "" {
		if _, err := format.ContextWindow(c.Format.Name); err != nil {
			return err
		}
	}
	if c.Format.SafetyMargin < 0 {
		return errs.Configuration(op, "format.safety_margin must be >= 0, got %d", c.Format.SafetyMargin)
	}

	if _, err := observability.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errs.Configuration(op, "log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// CompactionPolicy returns the configured policy. Unset budgets read as 0.
func (c *Config) CompactionPolicy() compaction.Policy {
	p := c.Policy
	return compaction.Policy{
		Kind:         p.Kind,
		MaxTokens:    valueOf(p.MaxTokens),
		SystemBudget: valueOf(p.SystemBudget),
		RecentBudget: valueOf(p.RecentBudget),
		TargetTokens: valueOf(p.TargetTokens),
	}
}

func setDefault(dst **int, n int) {
	if *dst == nil {
		*dst = &n
	}
}

func valueOf(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// Codec returns the configured document codec.
func (c *Config) Codec() codec.Codec {
	f, _ := codec.ParseFormat(c.Storage.Codec)
	return codec.Codec{Format: f, Compress: c.Storage.Compress}
}

// StorageOptions returns the options for storage.Open.
func (c *Config) StorageOptions(logger *slog.Logger) storage.Options {
	return storage.Options{
		Backend:     c.Storage.Backend,
		Dir:         c.Storage.Dir,
		Codec:       c.Codec(),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
		Logger:      logger,
	}
}

// SessionOptions returns the coordinator options described by c.
func (c *Config) SessionOptions(logger *slog.Logger) session.Options {
	engineOpts := []compaction.Option{compaction.WithLogger(logger)}
	if c.Policy.MinRecent != nil {
		engineOpts = append(engineOpts, compaction.WithMinRecent(*c.Policy.MinRecent))
	}
	if c.Policy.Weights != nil {
		engineOpts = append(engineOpts, compaction.WithScorer(&retention.WeightedScorer{Weights: *c.Policy.Weights}))
	}
	autoSave := true
	if c.AutoSave != nil {
		autoSave = *c.AutoSave
	}
	return session.Options{
		MaxTokens: c.MaxTokens,
		Policy:    c.CompactionPolicy(),
		AutoSave:  autoSave,
		Engine:    compaction.NewEngine(engineOpts...),
		Logger:    logger,
	}
}
