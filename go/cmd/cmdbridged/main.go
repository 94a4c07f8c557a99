// Copyright 2025 The Cmdbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// cmdbridged maintains a pooled, rate-limited TCP bridge to the command
// engine and keeps it healthy until shut down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/cmdbridge/cmdbridge/go/bridge"
	"github.com/cmdbridge/cmdbridge/go/bridgeconfig"
	"github.com/cmdbridge/cmdbridge/go/tools/fileutil"
	"github.com/cmdbridge/cmdbridge/go/tools/retry"
)

const (
	probeAttempts  = 5
	probeBaseDelay = 500 * time.Millisecond
	probeMaxDelay  = 10 * time.Second
)

var (
	loader = bridgeconfig.NewLoader()
	cfg    bridgeconfig.Config

	configOut string
)

var Main = &cobra.Command{
	Use:   "cmdbridged",
	Short: "cmdbridged maintains a pooled, rate-limited TCP bridge to the command engine.",
	Long:  "cmdbridged maintains a pooled, rate-limited TCP bridge to the command engine.",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loader.Load()
		return err
	},
	RunE: run,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML.",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loader.Load()
		return err
	},
	RunE: dumpConfig,
}

func main() {
	if err := Main.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := setupLogging()
	logger.Info("starting cmdbridged",
		"engine", fmt.Sprintf("%s:%d", cfg.Engine.Host, cfg.Engine.Port),
		"pool_max_conns", cfg.Pool.MaxConns,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
	)

	b := bridge.New(cfg, logger)
	defer b.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := probeEngine(ctx, b, logger); err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	logger.Info("engine reachable, bridge ready")

	loader.Watch(func(bridgeconfig.Config) {
		// Pool and limiter parameters are fixed at construction; a
		// changed file takes effect on the next restart.
		logger.Info("config file changed, restart to apply",
			"file", loader.ConfigFile())
	}, func(err error) {
		logger.Error("config reload failed", "error", err)
	})

	<-ctx.Done()
	logger.Info("shutting down", "stats", b.GetStats())
	return nil
}

// probeEngine verifies connectivity with a bounded number of ping
// attempts, backing off between failures.
func probeEngine(ctx context.Context, b *bridge.Bridge, logger *slog.Logger) error {
	r := retry.New(probeBaseDelay, probeMaxDelay)
	var lastErr error
	for range probeAttempts {
		if err := r.StartAttempt(ctx); err != nil {
			return err
		}
		if lastErr = b.Ping(ctx); lastErr == nil {
			return nil
		}
		logger.Warn("engine probe failed",
			"attempt", r.Attempt(), "error", lastErr)
	}
	return lastErr
}

func dumpConfig(cmd *cobra.Command, args []string) error {
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	if configOut == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return fileutil.AtomicWriteFile(afero.NewOsFs(), configOut, data, 0o644)
}

func init() {
	registerLoggingFlags(Main.PersistentFlags())
	loader.RegisterFlags(Main.PersistentFlags())

	configCmd.Flags().StringVar(&configOut, "output", "", "Write the config to this file instead of stdout (atomic write).")
	Main.AddCommand(configCmd)
}
