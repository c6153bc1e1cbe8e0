package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/infracollect/browserfetch"
	"github.com/infracollect/browserfetch/registry"
)

var (
	configPath  string
	cacheDir    string
	registryURL string
	manifestURL string
	verbose     bool
	sweepAge    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "browserfetch",
		Short:         "Download and cache browser builds for headless test runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Browser cache directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&registryURL, "registry", "", "Chromium snapshot bucket URL (overrides config, default "+registry.DefaultSnapshotURL+")")
	rootCmd.PersistentFlags().StringVar(&manifestURL, "manifest", "", "JSON version catalog URL (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove downloads abandoned by interrupted runs",
		Args:  cobra.NoArgs,
		RunE:  runSweep,
	}
	sweepCmd.Flags().DurationVar(&sweepAge, "older-than", browserfetch.DefaultSweepAge, "Only remove files older than this")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "acquire [version]",
			Short: "Print the path of a cached browser, downloading it if needed",
			Long:  "Print the path of a cached browser, downloading it if needed. Without a version the configured one is used, or the latest published build.",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runAcquire,
		},
		&cobra.Command{
			Use:   "latest",
			Short: "Print the latest published version",
			Args:  cobra.NoArgs,
			RunE:  runLatest,
		},
		&cobra.Command{
			Use:   "list",
			Short: "List cached browsers",
			Args:  cobra.NoArgs,
			RunE:  runList,
		},
		&cobra.Command{
			Use:   "verify <version>",
			Short: "Recheck the integrity of a cached browser",
			Args:  cobra.ExactArgs(1),
			RunE:  runVerify,
		},
		&cobra.Command{
			Use:   "purge <version>",
			Short: "Remove a cached browser",
			Args:  cobra.ExactArgs(1),
			RunE:  runPurge,
		},
		sweepCmd,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file if given and applies flag overrides.
// The CLI does not need a browser id, so the config is validated leniently.
func loadConfig() (browserfetch.Config, error) {
	var cfg browserfetch.Config
	var err error
	if configPath != "" {
		cfg, err = browserfetch.LoadConfig(configPath)
	} else {
		cfg, err = browserfetch.ParseConfig([]byte("enabled: false\n"))
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}

	if cacheDir != "" {
		cfg.CachePath = cacheDir
	}
	if registryURL != "" {
		cfg.Registry = registryURL
	}
	if manifestURL != "" {
		cfg.Manifest = manifestURL
	}
	return cfg, nil
}

func newClient() (*browserfetch.Client, browserfetch.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}

	// Configure logging: slog -> logr -> library
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slogHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	logger := logr.FromSlogHandler(slogHandler)

	client, err := browserfetch.New(append(cfg.Options(), browserfetch.WithLogger(logger))...)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to create client: %w", err)
	}
	return client, cfg, nil
}

func runAcquire(cmd *cobra.Command, args []string) error {
	client, cfg, err := newClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	version := cfg.Version
	if len(args) == 1 {
		version = args[0]
	}
	if version == "" {
		version, err = client.LatestVersion(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve latest version: %w", err)
		}
	}

	path, err := client.Acquire(ctx, version)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runLatest(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}

	version, err := client.LatestVersion(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), version)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}

	entries, err := client.List(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tSTATE\tSIZE\tCOMMITTED\tPATH")
	for _, e := range entries {
		committed := ""
		if !e.CommittedAt.IsZero() {
			committed = e.CommittedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.Version, e.State, e.Size, committed, e.Path)
	}
	return w.Flush()
}

func runVerify(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}

	entry, err := client.Revalidate(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s ok (sha256 %s)\n", entry.Version, entry.SHA256)
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}
	return client.Purge(cmd.Context(), args[0])
}

func runSweep(cmd *cobra.Command, args []string) error {
	client, _, err := newClient()
	if err != nil {
		return err
	}

	removed, err := client.Sweep(cmd.Context(), sweepAge)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d abandoned download(s)\n", removed)
	return nil
}
