// Package config loads host configuration from a TOML file and FNHOST_
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wippyai/fnhost/engine"
	"github.com/wippyai/fnhost/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FNHOST_"

// Config is the complete host configuration.
type Config struct {
	Functions map[string]string
	Log       LogConfig
	Engine    EngineConfig
	Host      HostConfig
	Launcher  LauncherConfig
	Registry  RegistryConfig
	Secrets   SecretsConfig
	JWT       JWTConfig
}

type EngineConfig struct {
	CompatMode       string
	CacheDir         string
	MemoryLimitPages uint32
}

type HostConfig struct {
	ScratchDir   string
	Flavor       string
	ComponentTTL time.Duration
}

type LauncherConfig struct {
	Addr         string
	FunctionsDir string
	Rate         float64
	Burst        int
	Timeout      time.Duration
}

type RegistryConfig struct {
	// Addr of an out-of-process registry. Empty uses the in-process one.
	Addr  string
	Allow []string
}

type SecretsConfig struct {
	// AgeIdentity is an AGE-SECRET-KEY-1... string or a path to a file
	// holding one. Empty keeps secrets in the memory store only.
	AgeIdentity string
}

type JWTConfig struct {
	RefreshInterval float64
	KeySetTTL       time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			CompatMode: string(engine.CompatModeFromEnv()),
		},
		Host: HostConfig{
			ScratchDir: os.TempDir(),
			Flavor:     "default",
		},
		Launcher: LauncherConfig{
			Addr:         ":5543",
			FunctionsDir: "functions",
			Burst:        64,
			Timeout:      30 * time.Second,
		},
		JWT: JWTConfig{
			RefreshInterval: 0.5,
		},
		Log: LogConfig{
			Level: "info",
		},
		Functions: map[string]string{},
	}
}

type fileConfig struct {
	Functions map[string]string `toml:"functions"`
	Engine    struct {
		CompatMode       string `toml:"compat_mode"`
		CacheDir         string `toml:"cache_dir"`
		MemoryLimitPages uint32 `toml:"memory_limit_pages"`
	} `toml:"engine"`
	Host struct {
		ScratchDir   string `toml:"scratch_dir"`
		Flavor       string `toml:"flavor"`
		ComponentTTL string `toml:"component_ttl"`
	} `toml:"host"`
	Launcher struct {
		Addr         string  `toml:"addr"`
		FunctionsDir string  `toml:"functions_dir"`
		Timeout      string  `toml:"timeout"`
		Rate         float64 `toml:"rate"`
		Burst        int     `toml:"burst"`
	} `toml:"launcher"`
	Registry struct {
		Addr  string   `toml:"addr"`
		Allow []string `toml:"allow"`
	} `toml:"registry"`
	Secrets struct {
		AgeIdentity string `toml:"age_identity"`
	} `toml:"secrets"`
	JWT struct {
		KeySetTTL       string  `toml:"keyset_ttl"`
		RefreshInterval float64 `toml:"refresh_interval"`
	} `toml:"jwt"`
	Log struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
	} `toml:"log"`
}

// Load reads path over Default, then applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes TOML text over Default without environment overrides.
func Parse(text string) (Config, error) {
	cfg := Default()
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, configErr("decode", err)
	}
	if err := cfg.merge(meta, &raw); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) decodeFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return configErr("load "+path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return configErr("load "+path, fmt.Errorf("unknown key %q", undecoded[0].String()))
	}
	return c.merge(meta, &raw)
}

func (c *Config) merge(meta toml.MetaData, raw *fileConfig) error {
	setString := func(dst *string, src string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(src)
		}
	}
	setDuration := func(dst *time.Duration, src string, key ...string) error {
		if !meta.IsDefined(key...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(src))
		if err != nil {
			return configErr("parse "+strings.Join(key, "."), err)
		}
		*dst = d
		return nil
	}

	setString(&c.Engine.CompatMode, raw.Engine.CompatMode, "engine", "compat_mode")
	setString(&c.Engine.CacheDir, raw.Engine.CacheDir, "engine", "cache_dir")
	if meta.IsDefined("engine", "memory_limit_pages") {
		c.Engine.MemoryLimitPages = raw.Engine.MemoryLimitPages
	}

	setString(&c.Host.ScratchDir, raw.Host.ScratchDir, "host", "scratch_dir")
	setString(&c.Host.Flavor, raw.Host.Flavor, "host", "flavor")
	if err := setDuration(&c.Host.ComponentTTL, raw.Host.ComponentTTL, "host", "component_ttl"); err != nil {
		return err
	}

	setString(&c.Launcher.Addr, raw.Launcher.Addr, "launcher", "addr")
	setString(&c.Launcher.FunctionsDir, raw.Launcher.FunctionsDir, "launcher", "functions_dir")
	if meta.IsDefined("launcher", "rate") {
		c.Launcher.Rate = raw.Launcher.Rate
	}
	if meta.IsDefined("launcher", "burst") {
		c.Launcher.Burst = raw.Launcher.Burst
	}
	if err := setDuration(&c.Launcher.Timeout, raw.Launcher.Timeout, "launcher", "timeout"); err != nil {
		return err
	}

	setString(&c.Registry.Addr, raw.Registry.Addr, "registry", "addr")
	if meta.IsDefined("registry", "allow") {
		c.Registry.Allow = raw.Registry.Allow
	}

	setString(&c.Secrets.AgeIdentity, raw.Secrets.AgeIdentity, "secrets", "age_identity")

	if meta.IsDefined("jwt", "refresh_interval") {
		c.JWT.RefreshInterval = raw.JWT.RefreshInterval
	}
	if err := setDuration(&c.JWT.KeySetTTL, raw.JWT.KeySetTTL, "jwt", "keyset_ttl"); err != nil {
		return err
	}

	setString(&c.Log.Level, raw.Log.Level, "log", "level")
	if meta.IsDefined("log", "development") {
		c.Log.Development = raw.Log.Development
	}

	for name, path := range raw.Functions {
		c.Functions[name] = strings.TrimSpace(path)
	}
	return nil
}

// ApplyEnv applies FNHOST_<SECTION>_<KEY> overrides found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string) func(string) error {
		return func(v string) error { *dst = v; return nil }
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(v string) error {
			d, err := time.ParseDuration(v)
			if err == nil {
				*dst = d
			}
			return err
		}
	}
	overrides := []struct {
		set func(string) error
		key string
	}{
		{key: "ENGINE_COMPAT_MODE", set: str(&c.Engine.CompatMode)},
		{key: "ENGINE_CACHE_DIR", set: str(&c.Engine.CacheDir)},
		{key: "ENGINE_MEMORY_LIMIT_PAGES", set: func(v string) error {
			n, err := strconv.ParseUint(v, 10, 32)
			c.Engine.MemoryLimitPages = uint32(n)
			return err
		}},
		{key: "HOST_SCRATCH_DIR", set: str(&c.Host.ScratchDir)},
		{key: "HOST_FLAVOR", set: str(&c.Host.Flavor)},
		{key: "FUNCTION_ENV", set: str(&c.Host.Flavor)},
		{key: "HOST_COMPONENT_TTL", set: dur(&c.Host.ComponentTTL)},
		{key: "LAUNCHER_ADDR", set: str(&c.Launcher.Addr)},
		{key: "LAUNCHER_FUNCTIONS_DIR", set: str(&c.Launcher.FunctionsDir)},
		{key: "LAUNCHER_RATE", set: func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			c.Launcher.Rate = f
			return err
		}},
		{key: "LAUNCHER_BURST", set: func(v string) error {
			n, err := strconv.Atoi(v)
			c.Launcher.Burst = n
			return err
		}},
		{key: "LAUNCHER_TIMEOUT", set: dur(&c.Launcher.Timeout)},
		{key: "REGISTRY_ADDR", set: str(&c.Registry.Addr)},
		{key: "REGISTRY_ALLOW", set: func(v string) error {
			c.Registry.Allow = splitList(v)
			return nil
		}},
		{key: "SECRETS_AGE_IDENTITY", set: str(&c.Secrets.AgeIdentity)},
		{key: "JWT_REFRESH_INTERVAL", set: func(v string) error {
			f, err := strconv.ParseFloat(v, 64)
			c.JWT.RefreshInterval = f
			return err
		}},
		{key: "JWT_KEYSET_TTL", set: dur(&c.JWT.KeySetTTL)},
		{key: "LOG_LEVEL", set: str(&c.Log.Level)},
		{key: "LOG_DEVELOPMENT", set: func(v string) error {
			b, err := strconv.ParseBool(v)
			c.Log.Development = b
			return err
		}},
	}

	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.set(strings.TrimSpace(v)); err != nil {
			return configErr("env "+EnvPrefix+o.key, err)
		}
	}
	if v, ok := lookup(engine.CompatModeEnv); ok {
		c.Engine.CompatMode = strings.TrimSpace(v)
	}
	return nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.JWT.RefreshInterval <= 0 || c.JWT.RefreshInterval > 1 {
		return configErr("validate", fmt.Errorf("jwt.refresh_interval %v outside (0, 1]", c.JWT.RefreshInterval))
	}
	if c.Launcher.Rate < 0 {
		return configErr("validate", fmt.Errorf("launcher.rate %v is negative", c.Launcher.Rate))
	}
	if c.Launcher.Rate > 0 && c.Launcher.Burst < 1 {
		return configErr("validate", fmt.Errorf("launcher.burst must be positive when rate is set"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return configErr("validate", fmt.Errorf("unknown log.level %q", c.Log.Level))
	}
	return nil
}

// CompatMode returns the parsed engine compatibility mode.
func (c *Config) CompatMode() engine.CompatMode {
	return engine.ParseCompatMode(c.Engine.CompatMode)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func configErr(detail string, cause error) *errors.Error {
	return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, cause, detail)
}
