package browserfetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/infracollect/browserfetch/download"
	"github.com/infracollect/browserfetch/registry"
)

// EnvPrefix prefixes environment variables that override Config fields,
// e.g. BROWSERFETCH_VERSION.
const EnvPrefix = "BROWSERFETCH_"

// Config is the host-facing configuration. The core never reads it; Init
// turns it into Client options.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	BrowserID string `yaml:"browserId"`
	// Version is the build to acquire. Empty means the latest published one,
	// resolved once per Init.
	Version   string `yaml:"version"`
	CachePath string `yaml:"cachePath"`

	DownloadAttempts int `yaml:"downloadAttempts"`
	RequestRetries   int `yaml:"requestRetries"`

	// Registry is the base URL of a Chromium snapshot bucket.
	Registry string `yaml:"registry"`
	// Manifest is the base URL of a JSON version catalog. It takes
	// precedence over Registry.
	Manifest string `yaml:"manifest"`
}

// DefaultConfig returns the configuration used for absent keys.
func DefaultConfig() (Config, error) {
	cacheDir, err := DefaultCacheDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Enabled:          true,
		CachePath:        cacheDir,
		DownloadAttempts: download.DefaultMaxAttempts,
		RequestRetries:   download.DefaultRetries,
		Registry:         registry.DefaultSnapshotURL,
	}, nil
}

// LoadConfig reads a YAML config file. See ParseConfig.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML over the defaults, applies environment overrides
// and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.CachePath, err = expandHome(cfg.CachePath)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the ceilings and, when enabled, the browser id.
func (c Config) Validate() error {
	if c.DownloadAttempts < 1 {
		return fmt.Errorf("downloadAttempts must be at least 1, got %d", c.DownloadAttempts)
	}
	if c.RequestRetries < 1 {
		return fmt.Errorf("requestRetries must be at least 1, got %d", c.RequestRetries)
	}
	if c.Enabled && c.BrowserID == "" {
		return fmt.Errorf("browserId is required when enabled")
	}
	if c.CachePath == "" {
		return fmt.Errorf("cachePath is required")
	}
	return nil
}

// Options translates the config into Client options.
func (c Config) Options() []Option {
	opts := []Option{
		WithCacheDir(c.CachePath),
		WithRetries(c.RequestRetries),
		WithDownloadAttempts(c.DownloadAttempts),
	}
	switch {
	case c.Manifest != "":
		opts = append(opts, WithRegistry(registry.NewManifestRegistry(nil, c.Manifest)))
	case c.Registry != "":
		opts = append(opts, WithRegistry(registry.NewSnapshotRegistry(nil, c.Registry)))
	}
	return opts
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BROWSER_ID": &c.BrowserID,
		"VERSION":    &c.Version,
		"CACHE_PATH": &c.CachePath,
		"REGISTRY":   &c.Registry,
		"MANIFEST":   &c.Manifest,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DOWNLOAD_ATTEMPTS": &c.DownloadAttempts,
		"REQUEST_RETRIES":   &c.RequestRetries,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup(EnvPrefix + "ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sENABLED: %w", EnvPrefix, err)
		}
		c.Enabled = b
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
