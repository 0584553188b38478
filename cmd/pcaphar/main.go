// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/pcaphar/pkg/config"
	"github.com/mbeema/pcaphar/pkg/export"
	"github.com/mbeema/pcaphar/pkg/health"
	"github.com/mbeema/pcaphar/pkg/pipeline"
	"github.com/mbeema/pcaphar/pkg/watch"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type flags struct {
	configPath  string
	input       string
	output      string
	overwrite   bool
	reader      string
	tshark      string
	keyLog      string
	stacktrace  string
	decryption  string
	watchDir    string
	logLevel    string
	showVersion bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "path to configuration file")
	flag.StringVar(&f.input, "i", "", "input capture (.pcap, .pcapng, or tshark JSON with -reader json)")
	flag.StringVar(&f.output, "o", "", "output HAR path (default: input with .har extension)")
	flag.BoolVar(&f.overwrite, "f", false, "overwrite the output if it exists")
	flag.StringVar(&f.reader, "reader", "", "packet reader: tshark, pcap or json")
	flag.StringVar(&f.tshark, "tshark", "", "path to the tshark executable")
	flag.StringVar(&f.keyLog, "keylog", "", "TLS key log file passed to tshark")
	flag.StringVar(&f.stacktrace, "socket-trace", "", "socket-operation feed for stack trace enrichment")
	flag.StringVar(&f.decryption, "crypto-trace", "", "crypto-operation feed for content decryption")
	flag.StringVar(&f.watchDir, "watch", "", "convert captures that appear in this directory")
	flag.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&f.showVersion, "version", false, "show version and exit")
	flag.Parse()

	if f.showVersion {
		fmt.Printf("pcaphar %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if f.input == "" && flag.NArg() > 0 {
		f.input = flag.Arg(0)
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if !cfg.Watch.Enabled && f.input == "" {
		fmt.Fprintln(os.Stderr, "usage: pcaphar -i capture.pcapng [-o out.har] [-f] | pcaphar -watch dir")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f, logger); err != nil {
		logger.Error("pcaphar failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, f flags, logger *zap.Logger) error {
	stats := health.NewStats()
	opts := []pipeline.Option{pipeline.WithStats(stats)}

	if cfg.Export.OTLP.Enabled {
		mgr, err := export.NewManager(&cfg.Export.OTLP, stats, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mgr.Shutdown(shutdownCtx); err != nil {
				logger.Warn("export shutdown failed", zap.Error(err))
			}
		}()
		opts = append(opts, pipeline.WithPublisher(mgr))
	}

	conv, err := pipeline.New(cfg, logger, opts...)
	if err != nil {
		return err
	}

	var hs *health.Server
	if cfg.Health.Enabled {
		hs = health.NewServer(cfg.Health.Port, version, stats, logger)
		if err := hs.Start(ctx); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer hs.Stop()
	}

	if !cfg.Watch.Enabled {
		if hs != nil {
			hs.SetReady(true)
			hs.Begin()
			defer hs.End()
		}
		_, err := conv.Convert(ctx, f.input, cfg.Output.Path)
		return err
	}

	logger.Info("starting pcaphar watch mode",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("dir", cfg.Watch.Dir),
	)
	w := watch.New(watch.Options{
		Dir:      cfg.Watch.Dir,
		Patterns: cfg.Watch.Patterns,
		Settle:   cfg.Watch.Settle,
		Workers:  cfg.Watch.Workers,
	}, func(ctx context.Context, path string) error {
		out := pipeline.OutputPath(path, cfg.Watch.OutputDir)
		if !cfg.Output.Overwrite {
			if _, err := os.Stat(out); err == nil {
				logger.Debug("capture already converted", zap.String("file", path))
				return nil
			}
		}
		if hs != nil {
			hs.Begin()
			defer hs.End()
		}
		_, err := conv.Convert(ctx, path, out)
		return err
	}, logger)

	if hs != nil {
		hs.SetReady(true)
	}
	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("pcaphar stopped")
	return err
}

// applyFlags lets command-line flags override the file configuration.
func applyFlags(cfg *config.Config, f flags) {
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.output != "" {
		cfg.Output.Path = f.output
	}
	if f.overwrite {
		cfg.Output.Overwrite = true
	}
	if f.reader != "" {
		cfg.Reader.Mode = f.reader
	}
	if f.tshark != "" {
		cfg.Tshark.Path = f.tshark
	}
	if f.keyLog != "" {
		cfg.Tshark.KeyLogFile = f.keyLog
	}
	if f.stacktrace != "" {
		cfg.Enrichment.Stacktrace.Enabled = true
		cfg.Enrichment.Stacktrace.Path = f.stacktrace
	}
	if f.decryption != "" {
		cfg.Enrichment.Decryption.Enabled = true
		cfg.Enrichment.Decryption.Path = f.decryption
	}
	if f.watchDir != "" {
		cfg.Watch.Enabled = true
		cfg.Watch.Dir = f.watchDir
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default locations
	defaults := []string{
		"configs/pcaphar.yaml",
		"/etc/pcaphar/pcaphar.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil || level == "" {
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
