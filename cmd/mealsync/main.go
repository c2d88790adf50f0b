// Package main provides the mealsync CLI: a terminal client for the
// meal planner's offline-first sync engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tablewise/mealsync"
	"github.com/tablewise/mealsync/internal/config"
	"github.com/tablewise/mealsync/pkg/logging"
)

// Version information populated at build time.
var (
	version = "dev"
	commit  = "unknown"
)

var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:     "mealsync",
		Short:   "Offline-first sync client for the meal planner",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Long: `mealsync keeps a local, always-usable copy of your meal ideas and
pantry. Changes made offline queue locally and replay when the server
is reachable again.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $MEALSYNC_CONFIG)")

	root.AddCommand(
		newWatchCmd(),
		newStatusCmd(),
		newQueueCmd(),
		newSyncCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		logging.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadSettings reads configuration and applies the log settings.
func loadSettings() (*config.Settings, error) {
	s, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if level, err := zerolog.ParseLevel(s.Log.Level); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	if s.Log.Format == "json" {
		logging.SetDefault(logging.NewJSON(os.Stderr))
	}
	return s, nil
}

// buildEngine maps settings onto engine options.
func buildEngine(s *config.Settings) (mealsync.Engine, error) {
	opts := []mealsync.Option{
		mealsync.WithServer(s.Server.URL),
		mealsync.WithStorePath(s.Store.Path),
		mealsync.WithLogger(logging.Default()),
	}
	switch {
	case s.Server.BearerToken != "":
		opts = append(opts, mealsync.WithBearerToken(s.Server.BearerToken))
	case s.Server.Session != "":
		opts = append(opts, mealsync.WithSessionCookie(s.Server.CookieName, s.Server.Session))
	}
	if s.Probe.Timeout > 0 {
		opts = append(opts, mealsync.WithProbeTimeout(s.Probe.Timeout))
	}
	if s.Probe.Interval > 0 {
		opts = append(opts, mealsync.WithProbeInterval(s.Probe.Interval))
	}
	if s.Stream.BackoffBase > 0 || s.Stream.BackoffMax > 0 {
		opts = append(opts, mealsync.WithStreamBackoff(s.Stream.BackoffBase, s.Stream.BackoffMax))
	}
	if s.Debounce > 0 {
		opts = append(opts, mealsync.WithDebounceWindow(s.Debounce))
	}
	return mealsync.New(opts...)
}

// startEngine builds and starts an engine from the loaded settings.
func startEngine(ctx context.Context) (mealsync.Engine, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	eng, err := buildEngine(s)
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.Close()
		return nil, err
	}
	return eng, nil
}
