// Package config loads and validates the TOML configuration file.
// Configuration errors are fatal at load time; nothing here is re-read
// during evaluation.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"cmdguard/internal/policy"
)

// DefaultFileName is looked for in the working directory when no explicit
// path is given.
const DefaultFileName = "cmdguard.toml"

// Config mirrors the TOML file layout.
type Config struct {
	Commands CommandsConfig `toml:"commands"`
	Security SecurityConfig `toml:"security"`
	Cache    CacheConfig    `toml:"cache"`
	Audit    AuditConfig    `toml:"audit"`
}

// CommandsConfig holds the pattern lists and executable search settings.
type CommandsConfig struct {
	AllowList  []string `toml:"allow_list"`
	DenyList   []string `toml:"deny_list"`
	AllowGlob  []string `toml:"allow_glob"`
	DenyGlob   []string `toml:"deny_glob"`
	AllowRegex []string `toml:"allow_regex"`
	DenyRegex  []string `toml:"deny_regex"`

	// ExtraPathEntries are searched before $PATH when resolving programs.
	ExtraPathEntries []string `toml:"extra_path_entries"`

	// RulesDir holds *.rules files; relative paths are resolved against
	// the config file's directory. A missing directory is not an error.
	RulesDir string `toml:"rules_dir"`
}

// SecurityConfig selects the fallback when no rule matches.
type SecurityConfig struct {
	// DefaultPolicy is "deny" or "prompt".
	DefaultPolicy string `toml:"default_policy"`
}

// CacheConfig sets the decision cache TTL.
type CacheConfig struct {
	// TTLSeconds of 0 keeps the built-in default of 300.
	TTLSeconds int `toml:"ttl_seconds"`
}

// AuditConfig controls the audit logger.
type AuditConfig struct {
	Enabled     bool   `toml:"enabled"`
	Dir         string `toml:"dir"`
	RequestedBy string `toml:"requested_by"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Security: SecurityConfig{DefaultPolicy: "deny"},
		Cache:    CacheConfig{TTLSeconds: 300},
		Audit: AuditConfig{
			Enabled:     true,
			Dir:         "audit",
			RequestedBy: "agent",
		},
		Commands: CommandsConfig{RulesDir: "rules"},
	}
}

// Load reads path, layering the file over Default. Unknown keys, a bad
// default_policy, or a negative TTL are errors. Relative rules and audit
// directories are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("load config %s: unknown key %q", path, undecoded[0].String())
	}

	base := filepath.Dir(path)
	if cfg.Audit.Dir != "" && !filepath.IsAbs(cfg.Audit.Dir) {
		cfg.Audit.Dir = filepath.Join(base, cfg.Audit.Dir)
	}
	if cfg.Commands.RulesDir != "" && !filepath.IsAbs(cfg.Commands.RulesDir) {
		cfg.Commands.RulesDir = filepath.Join(base, cfg.Commands.RulesDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields whose errors the pattern compiler would not
// catch.
func (c *Config) Validate() error {
	switch c.Security.DefaultPolicy {
	case "deny", "prompt":
	default:
		return fmt.Errorf("default_policy must be \"deny\" or \"prompt\", got %q", c.Security.DefaultPolicy)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("ttl_seconds must not be negative, got %d", c.Cache.TTLSeconds)
	}
	return nil
}

// TTL returns the configured cache TTL; zero means "use the default".
func (c *Config) TTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// Lists converts the commands section into the pattern compiler's input.
func (c *Config) Lists() policy.Lists {
	return policy.Lists{
		AllowList:  c.Commands.AllowList,
		DenyList:   c.Commands.DenyList,
		AllowGlob:  c.Commands.AllowGlob,
		DenyGlob:   c.Commands.DenyGlob,
		AllowRegex: c.Commands.AllowRegex,
		DenyRegex:  c.Commands.DenyRegex,
	}
}

// PromptByDefault reports whether unmatched commands should ask for
// confirmation instead of a plain deny.
func (c *Config) PromptByDefault() bool {
	return c.Security.DefaultPolicy == "prompt"
}
