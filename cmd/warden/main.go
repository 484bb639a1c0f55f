package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"plugin-warden/internal/config"
	"plugin-warden/internal/executor"
	"plugin-warden/internal/monitor"
	"plugin-warden/internal/policy"
	"plugin-warden/internal/registry"
	"plugin-warden/internal/sandbox"
	"plugin-warden/internal/storage"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	levelFlag   string
	argsJSON    string
	memoryMB    int64
	execTimeout time.Duration
	metricsAddr string
	quarLimit   int
)

func main() {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Sandboxed plugin execution engine",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogging()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (defaults apply when omitted)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console or json)")

	runCmd := &cobra.Command{
		Use:   "run [manifest.yaml]",
		Short: "Execute a plugin from its manifest inside a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlugin,
	}
	runCmd.Flags().StringVarP(&levelFlag, "level", "L", "", "Isolation level (minimal, standard, strict, maximum)")
	runCmd.Flags().StringVar(&argsJSON, "args", "{}", "Plugin arguments as a JSON object")
	runCmd.Flags().Int64Var(&memoryMB, "memory", 0, "Override memory limit in MB")
	runCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Override execution time limit")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address while running")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "levels",
		Short: "List isolation levels and their presets",
		RunE:  runLevels,
	})

	quarCmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect quarantine state",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted quarantine events",
		RunE:  runQuarantineList,
	}
	listCmd.Flags().IntVar(&quarLimit, "limit", 100, "Maximum events to return")
	quarCmd.AddCommand(listCmd)
	root.AddCommand(quarCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(level)

	if logFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.DefaultConfig(), nil
}

func runPlugin(_ *cobra.Command, cliArgs []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	manifest, err := registry.LoadManifest(cliArgs[0])
	if err != nil {
		return err
	}
	if memoryMB > 0 {
		manifest.Limits.MaxMemoryMB = memoryMB
	}
	if execTimeout > 0 {
		manifest.Limits.MaxExecutionTime = execTimeout
	}
	if err := manifest.Limits.Validate(); err != nil {
		return err
	}

	levelName := cfg.Engine.DefaultLevel
	if levelFlag != "" {
		levelName = levelFlag
	}
	level, err := policy.ParseLevel(levelName)
	if err != nil {
		return err
	}
	// Manifest plugins are external commands; the in-process tiers cannot
	// run them.
	if level == policy.LevelMinimal || level == policy.LevelStandard {
		log.Info().Str("from", string(level)).Msg("command plugins need process isolation, using strict")
		level = policy.LevelStrict
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Errorf("parsing --args: %w", err)
	}

	reg := registry.New()
	handle, err := reg.Register(manifest, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, cfg.Metrics.Path, metrics)
	}

	var store *storage.Store
	var writer *storage.RecordWriter
	if cfg.Database.DSN != "" {
		store, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer store.Close()
		writer = storage.NewRecordWriter(store, cfg.Database.BufferSize)
		writer.Start()
		defer writer.Flush(5 * time.Second)
	}

	opts := sandbox.Options{
		Registry:      reg,
		Handle:        handle,
		Level:         level,
		Isolation:     isolationFor(cfg, level),
		WorkspaceRoot: cfg.Engine.WorkspaceRoot,
		Container: executor.ContainerOptions{
			Socket:    cfg.Containerd.Socket,
			Namespace: cfg.Containerd.Namespace,
		},
		Metrics: metrics,
		Tracer:  monitor.NewTracer(),
	}
	if store != nil {
		opts.OnQuarantine = func(pluginID, reason string, at time.Time) {
			qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer qcancel()
			if err := store.SaveQuarantine(qctx, &storage.QuarantineRow{
				PluginID: pluginID, Reason: reason, CreatedAt: at,
			}); err != nil {
				log.Error().Err(err).Msg("failed to persist quarantine event")
			}
		}
	}

	sb, err := sandbox.Acquire(ctx, opts)
	if err != nil {
		return err
	}

	result, execErr := sb.Execute(ctx, args)

	rctx, rcancel := context.WithTimeout(context.Background(), cfg.Engine.ReleaseTimeout)
	if err := sb.Release(rctx); err != nil {
		log.Warn().Err(err).Msg("sandbox release incomplete")
	}
	rcancel()
	if writer != nil {
		writer.Write(sb.Telemetry(), string(level))
	}

	printResult(result, sb)

	if execErr != nil {
		log.Error().Err(execErr).Msg("execution failed")
	}
	if result != nil && result.ExitCode != 0 {
		os.Exit(result.ExitCode)
	}
	if execErr != nil {
		os.Exit(1)
	}
	return nil
}

// isolationFor applies config overrides on top of the level preset.
func isolationFor(cfg *config.Config, level policy.IsolationLevel) *policy.IsolationConfig {
	iso := policy.Preset(level)
	if cfg.Engine.ResourceCheckInterval > 0 {
		iso.ResourceCheckInterval = cfg.Engine.ResourceCheckInterval
	}
	return &iso
}

func printResult(result *sandbox.Result, sb *sandbox.Sandbox) {
	if result == nil {
		return
	}
	record := sb.Telemetry()
	peakMem, peakCPU := record.Peaks()

	out := map[string]any{
		"sandbox_id": result.SandboxID,
		"plugin_id":  result.PluginID,
		"outcome":    result.Outcome,
		"exit_code":  result.ExitCode,
		"duration":   result.Duration.String(),
		"output":     result.Output,
		"stderr":     result.Stderr,
		"telemetry": map[string]any{
			"peak_memory_mb":   peakMem,
			"peak_cpu_percent": peakCPU,
			"samples":          record.SampleCount(),
			"violations":       result.Violations,
		},
	}
	formatted, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(formatted))
}

func runLevels(_ *cobra.Command, _ []string) error {
	for _, level := range policy.Levels() {
		preset := policy.Preset(level)
		fmt.Printf("%-10s process=%v network=%v filesystem=%v monitoring=%v interval=%s threshold=%d\n",
			level,
			preset.ProcessIsolation,
			preset.NetworkIsolation,
			preset.FilesystemIsolation,
			preset.MonitoringEnabled,
			preset.ResourceCheckInterval,
			preset.ViolationThreshold,
		)
	}
	return nil
}

func runQuarantineList(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("quarantine list requires database.dsn in the config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := storage.New(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.ListQuarantines(ctx, quarLimit)
	if err != nil {
		return err
	}

	formatted, _ := json.MarshalIndent(events, "", "  ")
	fmt.Println(string(formatted))
	return nil
}

func serveMetrics(addr, path string, metrics *monitor.Metrics) {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("metrics listener started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}
