package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/coffersTech/logsieve/internal/analysis"
	"github.com/coffersTech/logsieve/internal/config"
	"github.com/coffersTech/logsieve/internal/export"
	"github.com/coffersTech/logsieve/internal/processor"
	"github.com/coffersTech/logsieve/internal/scheduler"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "logsieve",
		Short: "Concurrent security log analyzer",
		Long: "logsieve ingests directories of key=value security log files in parallel\n" +
			"and computes failed-connection, geo-anomaly, and connection-frequency\n" +
			"risk aggregates, or converts each file to CSV.",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringP("input", "i", "", "directory of log files to process")
	pf.StringP("output", "o", "output", "directory for result files")
	pf.String("config", "", "optional YAML config file")
	pf.StringSlice("trusted-countries", []string{"United States", "Canada"}, "trusted-country allow-list")
	pf.Int("min-connections", 10, "attempt-count threshold for risk flagging")
	pf.Int("max-concurrency", runtime.NumCPU(), "maximum concurrent file tasks")
	pf.Duration("task-timeout", 30*time.Minute, "per-file processing deadline")
	pf.Int("top-files", 10, "files ranked in the parse-mode report")
	pf.BoolP("verbose", "v", false, "enable debug logging")

	config.SetDefaults(v)
	for key, flag := range map[string]string{
		"input":             "input",
		"output":            "output",
		"trusted_countries": "trusted-countries",
		"min_connections":   "min-connections",
		"max_concurrency":   "max-concurrency",
		"task_timeout":      "task-timeout",
		"top_files":         "top-files",
		"verbose":           "verbose",
	} {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}
	v.SetEnvPrefix("LOGSIEVE")
	v.AutomaticEnv()

	root.AddCommand(newAnalyzeCmd(v, root), newParseCmd(v, root))
	return root
}

func newAnalyzeCmd(v *viper.Viper, root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Run suspicious-connection analysis over a log directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(v, root)
			if err != nil {
				return err
			}
			defer log.Sync()
			return run(cfg, log, false)
		},
	}
}

func newParseCmd(v *viper.Viper, root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "parse",
		Short: "Convert each log file to a CSV field table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(v, root)
			if err != nil {
				return err
			}
			defer log.Sync()
			return run(cfg, log, true)
		},
	}
}

func setup(v *viper.Viper, root *cobra.Command) (config.Config, *zap.Logger, error) {
	if path, _ := root.PersistentFlags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, nil, err
	}

	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	return zc.Build()
}

func run(cfg config.Config, log *zap.Logger, parseMode bool) error {
	files, err := listInputFiles(cfg.InputDir)
	if err != nil {
		return fmt.Errorf("scan input directory: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no log files found in %s", cfg.InputDir)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	exporter := export.New(cfg.OutputDir, cfg.MinConnections, cfg.TopFiles, log)
	classifier := analysis.NewClassifier(cfg.TrustedCountries)
	proc := processor.New(classifier, parseMode, log)

	opts := scheduler.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		TaskTimeout:    cfg.TaskTimeout,
		Logger:         log,
	}
	if parseMode {
		opts.Sink = exporter.FileSink(files)
	}

	log.Info("starting run",
		zap.Int("files", len(files)),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.Duration("task_timeout", cfg.TaskTimeout),
		zap.Bool("parse_mode", parseMode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := scheduler.New(proc, opts).Run(ctx, files)
	if err != nil {
		return err
	}

	if parseMode {
		err = exporter.WriteParseSummary(sum)
	} else {
		err = exporter.WriteAnalysis(sum)
	}
	if err != nil {
		// Best-effort export: the other outputs were still attempted.
		log.Error("export incomplete", zap.Error(err))
	}

	log.Info("run finished",
		zap.String("run_id", sum.RunID),
		zap.Int("processed", sum.Processed),
		zap.Int("failed", sum.Failed),
		zap.Int64("records", sum.Records))

	if sum.Processed == 0 {
		return fmt.Errorf("no file could be processed (%d failed)", sum.Failed)
	}
	return nil
}

// listInputFiles returns every regular, non-hidden file in dir, sorted.
func listInputFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}
