package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/schaermu/configmapsyncd/internal/config"
	"github.com/schaermu/configmapsyncd/internal/desired"
	"github.com/schaermu/configmapsyncd/internal/kube"
	"github.com/schaermu/configmapsyncd/internal/sync"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile     string
	logLevel    string
	logFormat   string
	kubeconfig  string
	kubeContext string
	credentials string
	dryRun      bool
	concurrency int
)

func main() {
	os.Exit(exitCode(rootCmd.Execute()))
}

var rootCmd = &cobra.Command{
	Use:   "configmapsyncd [flags] <configmap-dir>",
	Short: "Synchronize Kubernetes ConfigMaps from a directory tree",
	Long: `configmapsyncd makes the ConfigMaps of a Kubernetes cluster match a local
directory tree laid out as <configmap-dir>/<namespace>/<configmap>/<file>.

Every file becomes a key of its ConfigMap. ConfigMaps written by configmapsyncd
carry an ownership label; owned ConfigMaps that no longer have a directory are
deleted, and ConfigMaps without the label are never modified.

The command performs a single pass and exits. Run it from a CronJob or a
systemd timer for continuous reconciliation.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "configmapsyncd %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/configmapsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Sync flags
	rootCmd.Flags().StringVar(&kubeconfig, "kubeconfig", "", "path to the kubeconfig file (default uses KUBECONFIG or ~/.kube/config)")
	rootCmd.Flags().StringVar(&kubeContext, "context", "", "kubeconfig context to use")
	rootCmd.Flags().StringVar(&credentials, "credentials", "", "credential source (auto, in-cluster, kubeconfig)")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of namespaces synchronized in parallel")

	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	// Arguments are valid past this point; further errors are not usage errors
	cmd.SilenceUsage = true
	root := args[0]

	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger(cmd, os.Stderr).With("run_id", uuid.NewString())

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	if err := desired.CheckRoot(root); err != nil {
		logger.Error("invalid configmap directory", "error", err)
		return err
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		logger.Error("failed to connect to cluster", "error", err)
		return err
	}

	ctx, cancelRun := context.WithTimeout(ctx, cfg.Sync.Timeout)
	defer cancelRun()

	engine := sync.NewEngine(cfg, client, logger, dryRun)

	if _, err := engine.Run(ctx, root); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

// exitCode maps the result of a run to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, sync.ErrActionsFailed):
		return 2
	default:
		return 1
	}
}

// applyFlags overrides file configuration with explicitly set flags
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("kubeconfig") {
		cfg.Kube.Kubeconfig = kubeconfig
	}
	if flags.Changed("context") {
		cfg.Kube.Context = kubeContext
	}
	if flags.Changed("credentials") {
		cfg.Kube.Credentials = config.CredentialMode(credentials)
	}
	if flags.Changed("concurrency") {
		cfg.Sync.Concurrency = concurrency
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func newClient(cfg *config.Config, logger *slog.Logger) (*kube.Clientset, error) {
	src, err := kube.ResolveCredentialSource(string(cfg.Kube.Credentials), cfg.Kube.InClusterProbe)
	if err != nil {
		return nil, err
	}

	switch src {
	case kube.InCluster:
		logger.Info("running within a pod, using in-cluster credentials")
	default:
		logger.Info("running outside a cluster, using kubeconfig",
			"kubeconfig", cfg.Kube.Kubeconfig,
			"context", cfg.Kube.Context)
	}

	restCfg, err := kube.RESTConfig(src, cfg.Kube.Kubeconfig, cfg.Kube.Context)
	if err != nil {
		return nil, err
	}

	return kube.NewForConfig(restCfg, kube.Options{
		Marker: kube.Marker{Key: cfg.Sync.ManagedByKey, Value: cfg.Sync.ManagedBy},
		Retry: kube.RetryPolicy{
			Attempts:     cfg.Retry.Attempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			Jitter:       cfg.Retry.Jitter,
		},
		RequestTimeout: cfg.Kube.RequestTimeout,
		QPS:            cfg.Kube.QPS,
		Burst:          cfg.Kube.Burst,
	}, logger)
}

// effectiveLogLevel returns the configured level. DEBUG in the environment
// forces debug unless --log-level was given.
func effectiveLogLevel(cmd *cobra.Command) string {
	if _, ok := os.LookupEnv("DEBUG"); ok && !cmd.Flags().Changed("log-level") {
		return "debug"
	}
	return logLevel
}

func setupLogger(cmd *cobra.Command, w io.Writer) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch effectiveLogLevel(cmd) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "configmapsyncd", "config.yaml"), nil
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		path, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Debug("no configuration file, using defaults", "path", path)
			return config.Default(), nil
		}
		configPath = path
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"credentials", cfg.Kube.Credentials,
		"marker", cfg.Sync.ManagedByKey+"="+cfg.Sync.ManagedBy,
		"concurrency", cfg.Sync.Concurrency,
		"timeout", cfg.Sync.Timeout)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
