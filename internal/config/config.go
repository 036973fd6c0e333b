package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fxnlabs/subgen/internal/catalog"
	"github.com/fxnlabs/subgen/internal/hardware"
)

// Duration is a time.Duration written as text ("30s", "5m") in every format.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Preference string   `yaml:"preference" json:"preference" toml:"preference"`
	Language   string   `yaml:"language" json:"language" toml:"language"`
	CacheDir   string   `yaml:"cacheDir" json:"cacheDir" toml:"cacheDir"`
	AddonDirs  []string `yaml:"addonDirs" json:"addonDirs" toml:"addonDirs"`
	Threads    int      `yaml:"threads" json:"threads" toml:"threads"`
	Logger     struct {
		Verbosity string `yaml:"verbosity" json:"verbosity" toml:"verbosity"`
	} `yaml:"logger" json:"logger" toml:"logger"`
	Detection struct {
		SameVendorPolicy string   `yaml:"sameVendorPolicy" json:"sameVendorPolicy" toml:"sameVendorPolicy"`
		VendorRules      []string `yaml:"vendorRules" json:"vendorRules" toml:"vendorRules"`
		CacheTTL         Duration `yaml:"cacheTTL" json:"cacheTTL" toml:"cacheTTL"`
		Hotplug          bool     `yaml:"hotplug" json:"hotplug" toml:"hotplug"`
	} `yaml:"detection" json:"detection" toml:"detection"`
	Recovery struct {
		NetworkRetries   int      `yaml:"networkRetries" json:"networkRetries" toml:"networkRetries"`
		CorruptedRetries int      `yaml:"corruptedRetries" json:"corruptedRetries" toml:"corruptedRetries"`
		BaseDelay        Duration `yaml:"baseDelay" json:"baseDelay" toml:"baseDelay"`
		MaxDelay         Duration `yaml:"maxDelay" json:"maxDelay" toml:"maxDelay"`
		MaxAttempts      int      `yaml:"maxAttempts" json:"maxAttempts" toml:"maxAttempts"`
	} `yaml:"recovery" json:"recovery" toml:"recovery"`
	Models struct {
		BaseURL string            `yaml:"baseURL" json:"baseURL" toml:"baseURL"`
		Digests map[string]string `yaml:"digests" json:"digests" toml:"digests"`
		Aliases map[string]string `yaml:"aliases" json:"aliases" toml:"aliases"`
	} `yaml:"models" json:"models" toml:"models"`
	Telemetry struct {
		SampleInterval Duration `yaml:"sampleInterval" json:"sampleInterval" toml:"sampleInterval"`
		ProgressRate   float64  `yaml:"progressRate" json:"progressRate" toml:"progressRate"`
	} `yaml:"telemetry" json:"telemetry" toml:"telemetry"`
	Server struct {
		ListenAddress string `yaml:"listenAddress" json:"listenAddress" toml:"listenAddress"`
		ListenPort    int    `yaml:"listenPort" json:"listenPort" toml:"listenPort"`
		BatchLimit    int    `yaml:"batchLimit" json:"batchLimit" toml:"batchLimit"`
	} `yaml:"server" json:"server" toml:"server"`
	History struct {
		Path string `yaml:"path" json:"path" toml:"path"`
	} `yaml:"history" json:"history" toml:"history"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads the configuration at path. The format follows the file
// extension: .yaml/.yml, .json or .toml. Defaults fill unset fields and the
// result is validated.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	case ".json":
		err = json.Unmarshal(data, &config)
	case ".toml":
		err = toml.Unmarshal(data, &config)
	default:
		return nil, fmt.Errorf("unsupported config extension: %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Preference == "" {
		c.Preference = string(catalog.PreferenceAuto)
	}
	if c.Language == "" {
		c.Language = "en"
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir()
	}
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = "info"
	}
	if c.Detection.SameVendorPolicy == "" {
		c.Detection.SameVendorPolicy = string(hardware.PolicyPlatformFirst)
	}
	if c.Detection.CacheTTL == 0 {
		c.Detection.CacheTTL = Duration(5 * time.Minute)
	}
	if c.Recovery.NetworkRetries == 0 {
		c.Recovery.NetworkRetries = 3
	}
	if c.Recovery.CorruptedRetries == 0 {
		c.Recovery.CorruptedRetries = 1
	}
	if c.Recovery.BaseDelay == 0 {
		c.Recovery.BaseDelay = Duration(time.Second)
	}
	if c.Recovery.MaxDelay == 0 {
		c.Recovery.MaxDelay = Duration(30 * time.Second)
	}
	if c.Telemetry.SampleInterval == 0 {
		c.Telemetry.SampleInterval = Duration(500 * time.Millisecond)
	}
	if c.Telemetry.ProgressRate == 0 {
		c.Telemetry.ProgressRate = 4
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "127.0.0.1"
	}
	if c.Server.ListenPort == 0 {
		c.Server.ListenPort = 8090
	}
	if c.Server.BatchLimit == 0 {
		c.Server.BatchLimit = 2
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.CacheDir, "history.db")
	}
}

// Validate checks the fields that have a closed set of values.
func (c *Config) Validate() error {
	var errs []error
	if _, err := catalog.ParsePreference(c.Preference); err != nil {
		errs = append(errs, err)
	}
	if _, err := hardware.ParseSameVendorPolicy(c.Detection.SameVendorPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := catalog.DefaultVendorPolicy().WithOverrides(c.Detection.VendorRules); err != nil {
		errs = append(errs, err)
	}
	if _, err := zap.ParseAtomicLevel(c.Logger.Verbosity); err != nil {
		errs = append(errs, fmt.Errorf("logger verbosity: %w", err))
	}
	if c.Threads < 0 {
		errs = append(errs, fmt.Errorf("threads must not be negative: %d", c.Threads))
	}
	if c.Recovery.NetworkRetries < 0 || c.Recovery.CorruptedRetries < 0 || c.Recovery.MaxAttempts < 0 {
		errs = append(errs, errors.New("recovery retries and attempts must not be negative"))
	}
	if c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		errs = append(errs, fmt.Errorf("recovery maxDelay %s is below baseDelay %s",
			c.Recovery.MaxDelay.Std(), c.Recovery.BaseDelay.Std()))
	}
	if c.Server.ListenPort < 0 || c.Server.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("server listenPort out of range: %d", c.Server.ListenPort))
	}
	return errors.Join(errs...)
}

// ResolveModel maps a configured alias to its model id or file. Unknown
// names are returned unchanged.
func (c *Config) ResolveModel(name string) string {
	if target, ok := c.Models.Aliases[name]; ok && target != "" {
		return target
	}
	return name
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.ListenAddress, c.Server.ListenPort)
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "subgen")
	}
	return filepath.Join(os.TempDir(), "subgen")
}
