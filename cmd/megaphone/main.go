package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"megaphone/internal/api"
	"megaphone/internal/audience"
	"megaphone/internal/broadcast"
	"megaphone/internal/config"
	"megaphone/internal/scheduler"
	"megaphone/internal/storage"
	"megaphone/internal/transport/telegram"
	"megaphone/pkg/logx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	// Secrets come from the environment; .env is a dev convenience.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if tok := os.Getenv("MEGAPHONE_BOT_TOKEN"); tok != "" {
		cfg.Telegram.Token = tok
	}
	if key := os.Getenv("MEGAPHONE_API_KEY"); key != "" {
		cfg.API.AccessKey = key
	}

	log := logx.New(logx.Config{Level: cfg.Logging.Level, Console: cfg.Logging.Console})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	db, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	defer db.Close()

	sender, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	jobs := storage.NewJobRepo(db)
	logbook := storage.NewDeliveryLogRepo(db)
	recipients := audience.NewStore(db, cfg.Audience.ActiveWindowDuration(), clock, log.With(logx.String("comp", "audience")))

	engine := broadcast.NewEngine(jobs, logbook, recipients, sender, dispatchSettings(cfg), clock, log.With(logx.String("comp", "broadcast")))
	if err := engine.Start(ctx); err != nil {
		return err
	}

	sched := scheduler.New(jobs, engine, clock, log.With(logx.String("comp", "scheduler")))
	if err := sched.Start(ctx); err != nil {
		return err
	}

	var httpSrv *http.Server
	if cfg.API.Enabled {
		addr := cfg.API.Addr
		if addr == "" {
			addr = "127.0.0.1:8090"
		}
		router := api.NewRouter(api.NewHandler(engine, log.With(logx.String("comp", "api"))), cfg.API.AccessKey)
		httpSrv = &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("api listening", logx.String("addr", addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("api server failed", logx.Err(err))
				cancel()
			}
		}()
	}

	// Dispatch tunables follow the config file without a restart.
	mgr := config.NewManager(cfgPath, cfg, log.With(logx.String("comp", "config")))
	mgr.OnChange(func(next config.Config) {
		engine.Apply(dispatchSettings(next))
	})
	go func() {
		if err := mgr.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("megaphone started")
	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	sched.Stop()
	engine.Stop(shutdownCtx)
	log.Info("megaphone stopped")
	return nil
}

func dispatchSettings(cfg config.Config) broadcast.Settings {
	return broadcast.Settings{
		PaceDelay:   cfg.Dispatch.PaceDelayDuration(),
		SendTimeout: cfg.Dispatch.SendTimeoutDuration(),
		FlushEvery:  cfg.Dispatch.FlushEvery,
	}
}
