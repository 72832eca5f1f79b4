// Package app assembles the services from configuration. Both binaries build
// on it so the API server and the operator CLI see the same wiring.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/config"
	"signportal/internal/database"
	"signportal/internal/geo"
	"signportal/internal/httpserver"
	"signportal/internal/mailer"
	"signportal/internal/metrics"
	"signportal/internal/services/account"
	"signportal/internal/services/admin"
	"signportal/internal/services/incident"
	"signportal/internal/services/signing"
	"signportal/internal/storage"
	"signportal/internal/throttle"
)

type App struct {
	Config    config.Config
	Log       *zap.SugaredLogger
	DB        *gorm.DB
	Metrics   *metrics.Collector
	Audit     *audit.Recorder
	Files     *storage.FS
	Tokens    *auth.TokenIssuer
	Guard     *throttle.Guard
	Accounts  *account.Service
	Signing   *signing.Service
	Incidents *incident.Service
	Admin     *admin.Service

	rdb *redis.Client
}

// New opens the database and builds every service. It does not migrate.
func New(ctx context.Context, cfg config.Config, lg *zap.SugaredLogger) (*App, error) {
	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	a := &App{Config: cfg, Log: lg, DB: db, Metrics: metrics.NewCollector()}
	a.Audit = audit.NewRecorder(db, lg, a.Metrics)

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = randomKey()
		lg.Warnw("JWT_SECRET not set, using an ephemeral key; sessions will not survive a restart")
	}
	a.Tokens = auth.NewTokenIssuer(secret, cfg.Auth.TokenTTL)

	signingKey := cfg.Storage.SigningKey
	if signingKey == "" {
		signingKey = secret
	}
	a.Files, err = storage.NewFS(storage.Options{
		Root:       cfg.Storage.Root,
		SigningKey: signingKey,
		URLTTL:     cfg.Storage.URLTTL,
		Compress:   cfg.Storage.Compress,
		BaseURL:    cfg.HTTP.PublicBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	var store throttle.Store = throttle.NewMemoryStore()
	if cfg.Throttle.RedisURL != "" {
		a.rdb, err = throttle.OpenRedis(ctx, cfg.Throttle.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		store = throttle.NewRedisStore(a.rdb, 0)
		lg.Infow("login throttle backed by redis")
	}
	a.Guard = throttle.NewGuard(store, account.BlockedLookup(db),
		throttle.WithLimit(cfg.Throttle.Limit),
		throttle.WithCooldown(cfg.Throttle.Cooldown),
	)

	mail := mailer.New(mailer.Options{
		Endpoint: cfg.Mail.Endpoint,
		APIKey:   cfg.Mail.APIKey,
		Sender:   cfg.Mail.Sender,
		Templates: map[mailer.Template]int{
			mailer.TemplateWarning:      cfg.Mail.WarningTemplate,
			mailer.TemplateBlocked:      cfg.Mail.BlockedTemplate,
			mailer.TemplateVerification: cfg.Mail.VerificationTemplate,
		},
	}, lg)

	a.Accounts = account.New(account.Deps{
		DB:                db,
		Guard:             a.Guard,
		Tokens:            a.Tokens,
		Mailer:            mail,
		Audit:             a.Audit,
		Metrics:           a.Metrics,
		Logger:            lg,
		WarnAt:            cfg.Throttle.Limit,
		BlockThreshold:    cfg.Throttle.BlockThreshold,
		PasswordMinLength: cfg.Auth.PasswordMinLength,
		ResendCooldown:    cfg.Auth.ResendCooldown,
		TOTPIssuer:        cfg.Auth.TOTPIssuer,
		PublicBaseURL:     cfg.HTTP.PublicBaseURL,
	})
	a.Signing = signing.New(signing.Deps{
		DB:            db,
		Blobs:         a.Files,
		Geo:           geo.NewLocator(cfg.Geo.Endpoints, cfg.Geo.Timeout),
		Audit:         a.Audit,
		Metrics:       a.Metrics,
		Logger:        lg,
		PublicBaseURL: cfg.HTTP.PublicBaseURL,
	})
	a.Incidents = incident.New(db, a.Audit, lg)
	a.Admin = admin.New(admin.Deps{
		DB:             db,
		Blobs:          a.Files,
		Guard:          a.Guard,
		Audit:          a.Audit,
		Logger:         lg,
		BlockThreshold: cfg.Throttle.BlockThreshold,
	})
	return a, nil
}

func (a *App) Migrate() error {
	return database.Migrate(a.DB)
}

// SeedAdmin creates the configured administrator if it is missing. With no
// password configured it is skipped.
func (a *App) SeedAdmin(ctx context.Context) error {
	if a.Config.Admin.SeedPassword == "" {
		a.Log.Infow("admin seed skipped, no ADMIN_PASSWORD set")
		return nil
	}
	_, err := a.Accounts.EnsureAdmin(ctx, a.Config.Admin.SeedEmail, a.Config.Admin.SeedPassword)
	return err
}

func (a *App) Router() http.Handler {
	return httpserver.NewRouter(httpserver.Deps{
		DB:             a.DB,
		Tokens:         a.Tokens,
		Files:          a.Files,
		Audit:          a.Audit,
		Metrics:        a.Metrics,
		Accounts:       a.Accounts,
		Signing:        a.Signing,
		Incidents:      a.Incidents,
		Admin:          a.Admin,
		MaxUploadBytes: a.Config.HTTP.MaxUploadMB << 20,
		Logger:         a.Log,
	})
}

func (a *App) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func randomKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
