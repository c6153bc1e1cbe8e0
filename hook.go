package browserfetch

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/infracollect/browserfetch/launch"
)

// DefaultSweepAge is how old a temporary download must be before Init
// treats it as abandoned.
const DefaultSweepAge = 24 * time.Hour

// Browser is one browser identity of the host test runner. Playwright is
// only merged into when the host drives the browser through Playwright.
type Browser struct {
	DesiredCapabilities map[string]any                       `yaml:"desiredCapabilities"`
	Playwright          *playwright.BrowserTypeLaunchOptions `yaml:"-"`
}

// Init is called by the host once before sessions start. It acquires the
// configured version and merges the binary and the headless switch into the
// configured browser's capabilities. A disabled config returns immediately
// without touching the network, the filesystem or the browsers.
func Init(ctx context.Context, cfg Config, browsers map[string]*Browser, opts ...Option) error {
	if !cfg.Enabled {
		return nil
	}

	browser, ok := browsers[cfg.BrowserID]
	if !ok || browser == nil {
		return &ErrBrowserNotConfigured{BrowserID: cfg.BrowserID}
	}

	client, err := New(append(cfg.Options(), opts...)...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if _, err := client.Sweep(ctx, DefaultSweepAge); err != nil {
		client.logger.Error(err, "failed to sweep abandoned downloads")
	}

	version := cfg.Version
	if version == "" {
		version, err = client.LatestVersion(ctx)
		if err != nil {
			return &ErrLatestVersion{Err: err}
		}
		client.logger.Info("resolved latest browser version", "version", version)
	}

	path, err := client.Acquire(ctx, version)
	if err != nil {
		return err
	}

	caps, err := launch.MergeCapabilities(browser.DesiredCapabilities, path)
	if err != nil {
		return fmt.Errorf("failed to merge capabilities for %s: %w", cfg.BrowserID, err)
	}
	browser.DesiredCapabilities = caps
	if browser.Playwright != nil {
		launch.MergePlaywright(browser.Playwright, path)
	}
	return nil
}
