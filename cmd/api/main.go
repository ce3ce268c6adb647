// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// The api daemon runs the dynamic-analysis service: it accepts PURL
// submissions over HTTP, drives sandboxed analyses one at a time, and
// serves the resulting reports from the media tree.
package main

import (
	"context"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/pakaremon/packamal/internal/admission"
	"github.com/pakaremon/packamal/internal/config"
	"github.com/pakaremon/packamal/internal/container"
	"github.com/pakaremon/packamal/internal/executor"
	"github.com/pakaremon/packamal/internal/gate"
	"github.com/pakaremon/packamal/internal/queue"
	"github.com/pakaremon/packamal/internal/reportstore"
	"github.com/pakaremon/packamal/internal/sandbox"
	"github.com/pakaremon/packamal/internal/service"
	"github.com/pakaremon/packamal/internal/supervisor"
	"github.com/pakaremon/packamal/internal/taskstore"
	"github.com/pakaremon/packamal/internal/worker"
)

var (
	configPath = flag.String("config", "", "path to the YAML config file (optional)")
	addr       = flag.String("addr", "", "listen address, overriding the config")
	dbPath     = flag.String("db", "", "SQLite database path, overriding the config")
	mediaRoot  = flag.String("media-root", "", "report media root, overriding the config")
	mediaBase  = flag.String("media-base", "", "public media base URL, overriding the config")
)

func main() {
	flag.Parse()
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	if err := run(log); err != nil {
		log.Fatal("service exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base, err := url.Parse(cfg.MediaBaseURL)
	if err != nil {
		return err
	}

	store, err := taskstore.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.MediaRoot, 0755); err != nil {
		return err
	}
	reports := reportstore.NewFileStore(osfs.New(cfg.MediaRoot), base)
	cmdExec := executor.New()
	containers := container.NewManager(cmdExec, log.Named("container"))
	runner := sandbox.NewRunner(cmdExec, osfs.New(cfg.ResultsDir), cfg.SandboxScript, cfg.SandboxImage, log.Named("sandbox"))

	q := queue.New(store, log.Named("queue"))
	sup := supervisor.New(store, q, containers, cfg.ContainerStopTimeout(), log.Named("supervisor"))
	adm := admission.New(store, q, reports, admission.Config{
		DedupeWindow:          cfg.DedupeWindow(),
		RaceWindow:            time.Minute,
		DefaultTimeoutMinutes: cfg.DefaultTimeoutMinutes,
	}, log.Named("admission"))
	g := gate.New(store, time.Hour, log.Named("gate"))

	w := worker.New(store, q, sup, runner, reports, containers, worker.Config{
		IdlePoll:          cfg.IdlePoll(),
		ErrorBackoff:      cfg.ErrorBackoff(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		ContainerGrace:    cfg.ContainerStopTimeout(),
	}, log.Named("worker"))

	srv := service.New(store, g, adm, q, sup, reports, cfg.MediaRoot, log.Named("api"))
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	w.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	w.Stop()
	return nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *mediaRoot != "" {
		cfg.MediaRoot = *mediaRoot
	}
	if *mediaBase != "" {
		cfg.MediaBaseURL = *mediaBase
	}
	return cfg, cfg.Validate()
}
