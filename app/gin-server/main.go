package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/coachloop/config"
	"github.com/yoockh/coachloop/internal/bootstrap"
	"github.com/yoockh/coachloop/internal/logger"
	"github.com/yoockh/coachloop/internal/tracing"
)

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config error")
	}
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := tracing.InitTracer(log)
	defer func() { _ = shutdownTracer(context.Background()) }()

	if err := bootstrap.InitBackends(cfg, log); err != nil {
		log.WithError(err).Fatal("backend init error")
	}

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("bootstrap error")
	}
	defer app.Close()

	// in-process dispatcher; run `coachctl dispatch` instead to scale it separately
	if os.Getenv("DISPATCHER_DISABLED") != "true" {
		if err := app.Dispatcher().Start(ctx); err != nil {
			log.WithError(err).Fatal("dispatcher start error")
		}
		log.Info("queue dispatcher started")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.App.Port).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown error")
	}
}
