// Package main provides the alarm daemon entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/dawnbox/dawnbox/internal/app/engine"
	"github.com/dawnbox/dawnbox/internal/app/playback"
	"github.com/dawnbox/dawnbox/internal/app/quality"
	"github.com/dawnbox/dawnbox/internal/app/sched"
	"github.com/dawnbox/dawnbox/internal/domain/alarm"
	"github.com/dawnbox/dawnbox/internal/infra/audio"
	"github.com/dawnbox/dawnbox/internal/infra/battery"
	"github.com/dawnbox/dawnbox/internal/infra/config"
	"github.com/dawnbox/dawnbox/internal/infra/logger"
	"github.com/dawnbox/dawnbox/internal/infra/store"
	"github.com/dawnbox/dawnbox/internal/infra/wake"
)

var (
	app        = kingpin.New("dawnd", "dawnbox alarm daemon")
	configPath = app.Flag("config", "Path to config file").Default("config/dawnd.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// list-sounds command
	listSoundsCmd = app.Command("list-sounds", "List available alarm sounds and exit")
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the daemon (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	loggerConfig := logger.Config{Output: "stdout", Level: "info"}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.Output = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}

	if command == listSoundsCmd.FullCommand() {
		printSounds(cfg)
		return
	}

	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Daemon error: %v", err)
		os.Exit(1)
	}
}

// run executes the main daemon logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx := context.Background()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			zlog.Error().Err(err).Msg("Failed to close store")
		}
	}()

	player := openPlayer(cfg)
	selector := quality.New(battery.NewSysfs(cfg.Battery.Supply), quality.Config{
		LowBatteryPct:  cfg.Battery.LowPct,
		HighBatteryPct: cfg.Battery.HighPct,
	})

	pm := playback.NewManager(player, selector, playback.NewRegistry(), playback.Config{
		ProgressTick: time.Duration(cfg.Playback.ProgressTickMs) * time.Millisecond,
		CrossFade:    time.Duration(cfg.Playback.CrossFadeMs) * time.Millisecond,
		MaxTimed:     time.Duration(cfg.Playback.MaxTimedMin) * time.Minute,
		PastGrace:    time.Duration(cfg.Playback.PastGraceSec) * time.Second,
		DuckVolume:   cfg.Playback.DuckVolume,
		DuckHold:     time.Duration(cfg.Playback.DuckHoldSec) * time.Second,
	})

	// The dispatcher delivers fires to the engine; the engine schedules
	// through the dispatcher. Break the cycle with a late-bound reference.
	var eng *engine.Engine
	dispatcher := wake.NewDispatcher(wake.DispatcherConfig{Quota: cfg.Scheduler.Quota},
		func(handle string, payload []byte, firedAt time.Time) {
			eng.HandleFire(handle, payload, firedAt)
		})
	defer dispatcher.Close()

	eng = engine.New(engine.Options{
		Transport: dispatcher,
		Store:     st,
		Playback:  pm,
		Scheduler: sched.Config{
			MaxRecurring: cfg.Scheduler.MaxRecurring,
			Horizon:      time.Duration(cfg.Scheduler.HorizonDays) * 24 * time.Hour,
		},
		ReconcileSpec: cfg.Engine.ReconcileSpec,
		OnRing: func(alarmID, occurrenceID string) {
			zlog.Info().Str("alarm_id", alarmID).Str("occurrence_id", occurrenceID).
				Msg("Alarm ringing")
		},
	})
	defer eng.Close()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Config-defined alarms override whatever the store restored for the
	// same ids; alarms created at runtime are left alone.
	for i := range cfg.Alarms {
		a, err := cfg.Alarms[i].ToAlarm()
		if err != nil {
			return fmt.Errorf("invalid alarm config: %w", err)
		}
		if err := applyAlarm(ctx, eng, a); err != nil {
			return err
		}
	}

	zlog.Info().Int("alarms", len(cfg.Alarms)).Msg("Daemon started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	zlog.Info().Msg("Received shutdown signal...")
	zlog.Info().Msg("Daemon stopped")
	return nil
}

// applyAlarm arms one config-defined alarm. Disabled alarms register without
// a scheduling result; partial arming is reported, not fatal.
func applyAlarm(ctx context.Context, eng *engine.Engine, a *alarm.Alarm) error {
	res, err := eng.PutAlarm(ctx, a)
	switch {
	case err == nil && res == nil:
		zlog.Info().Str("alarm_id", a.ID).Msg("Alarm registered (disabled)")
	case err == nil:
		zlog.Info().Str("alarm_id", a.ID).Time("next", res.NextTriggerAt).
			Int("recurring", res.Recurring).Msg("Alarm armed")
	case sched.IsSchedulingDegraded(err):
		zlog.Warn().Err(err).Str("alarm_id", a.ID).Msg("Alarm armed partially")
	default:
		return fmt.Errorf("failed to arm alarm %s: %w", a.ID, err)
	}
	return nil
}

// openStore opens the configured bookkeeping store.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemory(), nil
	default:
		st, err := store.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		return st, nil
	}
}

// openPlayer opens the configured audio backend wrapped in the sound library.
func openPlayer(cfg *config.Config) *audio.Library {
	var backend audio.Player
	if cfg.Audio.Backend == "fake" {
		backend = audio.NewFake()
	} else {
		backend = audio.NewOto()
	}
	return audio.NewLibrary(backend, cfg.Audio.SoundDir)
}

// printSounds prints available alarm sounds.
func printSounds(cfg *config.Config) {
	lib := audio.NewLibrary(nil, cfg.Audio.SoundDir)
	ids, err := lib.List()
	if err != nil {
		zlog.Fatal().Msgf("Failed to list sounds: %v", err)
	}
	fmt.Println("Available Sounds:")
	for _, id := range ids {
		fmt.Printf("  %s\n", id)
	}
}
