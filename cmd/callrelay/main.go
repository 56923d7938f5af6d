package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/app"
	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/logging"
	"github.com/ent0n29/callrelay/internal/session"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog := logging.Setup(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	defer func() { _ = closeLog() }()
	log := logging.Component(logger, "main")

	ctx := context.Background()
	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.WithError(err).Warn("cleanup failed")
		}
	}()

	log.WithFields(logrus.Fields{
		"engine":      built.Providers.Engine,
		"stt":         built.Providers.STT,
		"tts":         built.Providers.TTS,
		"transcripts": built.Providers.Transcripts,
		"call_mode":   cfg.CallMode,
	}).Info("providers ready")

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Registry.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		log.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	built.API.Drain()
	runCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}

	closed := built.Registry.CloseAll(session.EndShutdown)
	log.WithField("calls_closed", closed).Info("shutdown complete")
}
