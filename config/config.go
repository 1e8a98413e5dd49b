// Package config assembles flowbridge's configuration from defaults, an
// optional YAML file, an optional .env file and the process environment, in
// that order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/clinicflow/flowbridge/env"
)

// Vision backends.
const (
	VisionSimulated = "simulated"
	VisionGemini    = "gemini"
)

// Defaults.
const (
	DefaultListenAddr     = "127.0.0.1:7317"
	DefaultSettleDelay    = 500 * time.Millisecond
	DefaultGeminiModel    = "gemini-2.0-flash"
	DefaultMockBaseURL    = "http://127.0.0.1:8080/"
	DefaultTracesProto    = "http"
	DefaultLogLevel       = "info"
	DefaultVisionBackend  = VisionSimulated
	DefaultVisionRateHz   = 1.0
	defaultDotEnvFileName = ".env"
)

// Browser holds how to reach the browser.
type Browser struct {
	DebuggerURL    string `yaml:"debugger_url"`
	ExecutablePath string `yaml:"executable_path"`
	Headless       bool   `yaml:"headless"`
}

// Runner holds strategy execution settings.
type Runner struct {
	SettleDelay     time.Duration `yaml:"settle_delay"`
	CommandTimeout  time.Duration `yaml:"command_timeout"`
	CloseShadowTabs bool          `yaml:"close_shadow_tabs"`
	MockBaseURL     string        `yaml:"mock_base_url"`
	StrategiesDir   string        `yaml:"strategies_dir"`
	ScreenshotDir   string        `yaml:"screenshot_dir"`
}

// Vision holds the vision fallback settings.
type Vision struct {
	Backend     string  `yaml:"backend"`
	GeminiKey   string  `yaml:"gemini_api_key"`
	GeminiModel string  `yaml:"gemini_model"`
	RateLimit   float64 `yaml:"rate_limit"`
}

// Traces holds the OTLP exporter settings.
type Traces struct {
	Proto    string `yaml:"proto"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Log holds logger settings.
type Log struct {
	Level          string `yaml:"level"`
	CategoryFilter string `yaml:"category_filter"`
}

// Config is the complete flowbridge configuration.
type Config struct {
	ListenAddr string  `yaml:"listen_addr"`
	Browser    Browser `yaml:"browser"`
	Runner     Runner  `yaml:"runner"`
	Vision     Vision  `yaml:"vision"`
	Traces     Traces  `yaml:"traces"`
	Log        Log     `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		Runner: Runner{
			SettleDelay: DefaultSettleDelay,
			MockBaseURL: DefaultMockBaseURL,
		},
		Vision: Vision{
			Backend:     DefaultVisionBackend,
			GeminiModel: DefaultGeminiModel,
			RateLimit:   DefaultVisionRateHz,
		},
		Traces: Traces{Proto: DefaultTracesProto},
		Log:    Log{Level: DefaultLogLevel},
	}
}

// Load builds the configuration. path is an optional YAML file; when empty
// the FLOWBRIDGE_CONFIG variable is consulted.
func Load(lookup env.LookupFunc, path string) (Config, error) {
	cfg := Default()

	lookup, err := withDotEnv(lookup)
	if err != nil {
		return cfg, err
	}

	if path == "" {
		path, _ = env.LookupString(lookup, env.ConfigFile)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// withDotEnv layers the variables of a .env file under lookup.
func withDotEnv(lookup env.LookupFunc) (env.LookupFunc, error) {
	path, explicit := env.LookupString(lookup, env.DotEnvFile)
	if !explicit {
		path = defaultDotEnvFileName
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return lookup, nil
		}
		return nil, fmt.Errorf("reading dotenv file %q: %w", path, err)
	}
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup env.LookupFunc) error {
	strs := []struct {
		key string
		dst *string
	}{
		{env.ListenAddr, &c.ListenAddr},
		{env.DebuggerURL, &c.Browser.DebuggerURL},
		{env.BrowserExecutablePath, &c.Browser.ExecutablePath},
		{env.MockBaseURL, &c.Runner.MockBaseURL},
		{env.StrategiesDir, &c.Runner.StrategiesDir},
		{env.ScreenshotDir, &c.Runner.ScreenshotDir},
		{env.VisionBackend, &c.Vision.Backend},
		{env.GeminiAPIKey, &c.Vision.GeminiKey},
		{env.GeminiModel, &c.Vision.GeminiModel},
		{env.TracesProto, &c.Traces.Proto},
		{env.TracesEndpoint, &c.Traces.Endpoint},
		{env.LogLevel, &c.Log.Level},
		{env.LogCategoryFilter, &c.Log.CategoryFilter},
	}
	for _, s := range strs {
		if v, ok := env.LookupString(lookup, s.key); ok {
			*s.dst = v
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{env.BrowserHeadless, &c.Browser.Headless},
		{env.CloseShadowTabs, &c.Runner.CloseShadowTabs},
		{env.TracesInsecure, &c.Traces.Insecure},
	}
	for _, b := range bools {
		v, ok, err := env.LookupBool(lookup, b.key)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", b.key, err)
		}
		if ok {
			*b.dst = v
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{env.SettleDelay, &c.Runner.SettleDelay},
		{env.CommandTimeout, &c.Runner.CommandTimeout},
	}
	for _, d := range durations {
		v, ok, err := env.LookupDuration(lookup, d.key)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.key, err)
		}
		if ok {
			*d.dst = v
		}
	}

	rate, ok, err := env.LookupFloat(lookup, env.VisionRateLimit)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", env.VisionRateLimit, err)
	}
	if ok {
		c.Vision.RateLimit = rate
	}

	return nil
}

// Validate checks the configuration for values that can't work.
func (c Config) Validate() error {
	switch c.Vision.Backend {
	case VisionSimulated:
	case VisionGemini:
		if c.Vision.GeminiKey == "" {
			return fmt.Errorf("vision backend %q requires %s", VisionGemini, env.GeminiAPIKey)
		}
	default:
		return fmt.Errorf("unknown vision backend %q", c.Vision.Backend)
	}
	if c.Runner.SettleDelay < 0 {
		return fmt.Errorf("settle delay must not be negative, got %s", c.Runner.SettleDelay)
	}
	if c.Runner.CommandTimeout < 0 {
		return fmt.Errorf("command timeout must not be negative, got %s", c.Runner.CommandTimeout)
	}
	if c.Log.CategoryFilter != "" {
		if _, err := regexp.Compile(c.Log.CategoryFilter); err != nil {
			return fmt.Errorf("parsing log category filter: %w", err)
		}
	}
	return nil
}

// CategoryFilter returns the compiled log category filter, or nil.
func (c Config) CategoryFilter() *regexp.Regexp {
	if c.Log.CategoryFilter == "" {
		return nil
	}
	return regexp.MustCompile(c.Log.CategoryFilter)
}
