package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"unsaid/internal/channel"
	"unsaid/internal/config"
	"unsaid/internal/db"
	"unsaid/internal/engine"
	"unsaid/internal/engine/auth"
	"unsaid/internal/migrate"
	"unsaid/internal/notify"
	"unsaid/internal/payment"
	"unsaid/internal/seal"
	"unsaid/internal/server"
	"unsaid/internal/tracing"
)

const hubBuffer = 16

// Runtime owns one process's database handle, engine and background workers.
type Runtime struct {
	Config   *config.Config
	Logger   logrus.FieldLogger
	DB       *sql.DB
	Engine   engine.Engine
	Hub      *notify.Hub
	Pool     *engine.Pool
	Reveals  *engine.RevealScheduler
	Webhooks *server.WebhookDispatcher
	Tracing  *tracing.Manager
	Version  string
}

// Open connects and migrates the database and wires the engine's collaborators.
// Background workers are not started until Serve.
func Open(ctx context.Context, cfg *config.Config, version string, logger logrus.FieldLogger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	sealer, err := seal.New(cfg.Encryption.Secret)
	if err != nil {
		return nil, err
	}
	conn, dialect, err := db.Open(db.Config{DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	applied, err := migrate.Migrate(conn, dialect)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.WithField("applied", applied).Info("Database migrations applied")
	}

	e := engine.New(conn, dialect, sealer, cfg, logger)
	e.Channels = channel.FromConfig(cfg.Channels, cfg.Dispatch, logger)
	hub := notify.NewHub(hubBuffer)
	e.Notifier = hub
	if cfg.Payment.KeyID != "" && cfg.Payment.KeySecret != "" {
		e.Payments = payment.NewRazorpay(cfg.Payment.BaseURL, cfg.Payment.KeyID, cfg.Payment.KeySecret)
	} else {
		logger.Warn("Payment provider not configured, order creation disabled")
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		DB:      conn,
		Hub:     hub,
		Tracing: tracing.NewManager(cfg.Tracing, version, logger),
		Version: version,
	}
	if cfg.Dispatch.Mode == config.DispatchAuto {
		rt.Pool = engine.NewPool(e, cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, logger)
		e.Queue = rt.Pool
	}
	rt.Engine = e
	rt.Reveals = engine.NewRevealScheduler(e, cfg.Reveal.SweepInterval, logger)
	rt.Webhooks = server.NewWebhookDispatcher(e, cfg.Webhooks, logger)
	return rt, nil
}

// Issuer mints and verifies the session tokens this runtime accepts.
func (rt *Runtime) Issuer() auth.Issuer {
	return auth.Issuer{Secret: rt.Config.Auth.JWTSecret, TTL: rt.Config.Auth.TokenTTL}
}

// Handler builds the HTTP API for this runtime.
func (rt *Runtime) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   rt.Engine,
		BasePath: rt.Config.Server.BasePath,
		Auth: server.AuthConfig{
			Issuer:        rt.Issuer(),
			IdentityKey:   rt.Config.Auth.IdentityKey,
			AllowDevLogin: rt.Config.Auth.AllowDevLogin,
			Logger:        rt.Logger,
		},
		Hub:         rt.Hub,
		CORSOrigins: rt.Config.Server.CORSOrigins,
		Version:     rt.Version,
		Logger:      rt.Logger,
	})
}

// Serve starts the workers and the HTTP server on addr and blocks until ctx ends or the listener fails.
func (rt *Runtime) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = rt.Config.Server.Addr
	}
	if err := rt.Tracing.Initialize(ctx); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	handler, err := rt.Handler()
	if err != nil {
		return err
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if rt.Pool != nil {
		rt.Pool.Start(workCtx)
		n, err := rt.Pool.Backfill(workCtx)
		if err != nil {
			rt.Logger.WithError(err).Warn("Dispatch backfill failed")
		} else if n > 0 {
			rt.Logger.WithField("queued", n).Info("Pending submissions queued for dispatch")
		}
	}
	go rt.Reveals.Start(workCtx)
	go rt.Webhooks.Start(workCtx)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	rt.Logger.WithFields(logrus.Fields{
		"addr":      addr,
		"base_path": rt.Config.Server.BasePath,
		"dispatch":  rt.Config.Dispatch.Mode,
	}).Info("Serving UnSaid API")

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	timeout := rt.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), timeout)
	defer done()
	rt.Logger.Info("Shutting down")
	// streams are hijacked connections and are not tracked by Shutdown
	rt.Hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		rt.Logger.WithError(err).Warn("HTTP shutdown incomplete")
	}
	rt.Reveals.Stop()
	rt.Webhooks.Stop()
	if rt.Pool != nil {
		rt.Pool.Stop()
	}
	if err := rt.Tracing.Shutdown(shutdownCtx); err != nil {
		rt.Logger.WithError(err).Warn("Tracing shutdown failed")
	}
	return serveErr
}

// Close releases the database handle.
func (rt *Runtime) Close() error {
	return rt.DB.Close()
}
