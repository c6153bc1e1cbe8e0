package browserfetch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infracollect/browserfetch/registry"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("browserId: chrome\n"))
	require.NoError(t, err)

	defaults, err := DefaultConfig()
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "chrome", cfg.BrowserID)
	assert.Empty(t, cfg.Version)
	assert.Equal(t, defaults.CachePath, cfg.CachePath)
	assert.Equal(t, 30, cfg.DownloadAttempts)
	assert.Equal(t, 5, cfg.RequestRetries)
	assert.Equal(t, registry.DefaultSnapshotURL, cfg.Registry)
}

func TestParseConfigOverrides(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
enabled: true
browserId: chrome-headless
version: "1181205"
cachePath: /var/cache/browsers
downloadAttempts: 10
requestRetries: 2
manifest: https://catalog.test/v1
`))
	require.NoError(t, err)

	assert.Equal(t, Config{
		Enabled:          true,
		BrowserID:        "chrome-headless",
		Version:          "1181205",
		CachePath:        "/var/cache/browsers",
		DownloadAttempts: 10,
		RequestRetries:   2,
		Registry:         registry.DefaultSnapshotURL,
		Manifest:         "https://catalog.test/v1",
	}, cfg)
}

func TestParseConfigEnv(t *testing.T) {
	t.Setenv("BROWSERFETCH_VERSION", "2000")
	t.Setenv("BROWSERFETCH_DOWNLOAD_ATTEMPTS", "7")
	t.Setenv("BROWSERFETCH_ENABLED", "false")

	cfg, err := ParseConfig([]byte("version: \"1000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "2000", cfg.Version)
	assert.Equal(t, 7, cfg.DownloadAttempts)
	assert.False(t, cfg.Enabled, "disabled config needs no browser id")
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "missing_browser_id", yaml: "enabled: true\n"},
		{name: "zero_attempts", yaml: "browserId: c\ndownloadAttempts: 0\n"},
		{name: "negative_retries", yaml: "browserId: c\nrequestRetries: -1\n"},
		{name: "bad_yaml", yaml: "browserId: [\n"},
		{name: "bad_env_int", yaml: "browserId: c\n", env: map[string]string{"BROWSERFETCH_REQUEST_RETRIES": "many"}},
		{name: "bad_env_bool", yaml: "browserId: c\n", env: map[string]string{"BROWSERFETCH_ENABLED": "maybe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestParseConfigExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := ParseConfig([]byte("browserId: c\ncachePath: ~/browsers\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "browsers"), cfg.CachePath)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "browserfetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("browserId: chrome\nversion: \"1000\"\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "1000", cfg.Version)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigOptionsSelectRegistry(t *testing.T) {
	cfg := Config{CachePath: t.TempDir(), DownloadAttempts: 1, RequestRetries: 1, Manifest: "https://catalog.test"}
	c, err := New(cfg.Options()...)
	require.NoError(t, err)
	assert.IsType(t, &registry.ManifestRegistry{}, c.registry)

	cfg.Manifest = ""
	cfg.Registry = "https://snapshots.test"
	c, err = New(cfg.Options()...)
	require.NoError(t, err)
	assert.IsType(t, &registry.SnapshotRegistry{}, c.registry)
}
