package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"signportal/internal/app"
	"signportal/internal/config"
	"signportal/internal/logger"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file (default: $SIGNPORTAL_CONFIG)")
	addr := pflag.String("addr", "", "listen address, overrides http.addr")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New("development", "info").Fatalw("config invalid", "error", err)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	lg := logger.New(cfg.Env, cfg.LogLevel)
	defer lg.Sync()
	lg.Infow("starting", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatalw("startup failed", "error", err)
	}
	defer a.Close()
	if err := a.Migrate(); err != nil {
		lg.Fatalw("automigrate failed", "error", err)
	}
	if err := a.SeedAdmin(ctx); err != nil {
		lg.Fatalw("admin seed failed", "error", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		lg.Infow("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		lg.Infow("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatalw("server failed", "error", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Errorw("shutdown", "error", err)
	}
}
