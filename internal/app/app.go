// Package app assembles the launchline services from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"launchline/internal/config"
	"launchline/internal/db"
	"launchline/internal/engine"
	"launchline/internal/migrate"
	"launchline/internal/server"
	"launchline/internal/taskapi"
	"launchline/internal/webhook"
)

// Services is everything a command or the HTTP server needs. Close releases
// the database.
type Services struct {
	Config   *config.Config
	DB       *sql.DB
	Logger   *slog.Logger
	Gateway  *taskapi.Client
	Engine   engine.Engine
	Ingestor *webhook.Ingestor
}

// NewLogger builds the process logger from log.level and log.format.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format %q: want text or json", cfg.Format)
	}
}

// NewGateway builds the remote task client, revealing sealed credentials.
func NewGateway(cfg *config.Config, logger *slog.Logger) (*taskapi.Client, error) {
	token, err := cfg.Reveal(cfg.TaskAPI.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("task_api.access_token: %w", err)
	}
	return &taskapi.Client{
		BaseURL:            strings.TrimSpace(cfg.TaskAPI.BaseURL),
		Token:              token,
		WorkspaceID:        cfg.TaskAPI.WorkspaceID,
		DefaultContainerID: cfg.TaskAPI.DefaultContainerID,
		Timeout:            cfg.TaskAPI.Timeout(),
		Logger:             logger.With("component", "taskapi"),
	}, nil
}

// Open opens and migrates the workspace database and wires every component.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	gw, err := NewGateway(cfg, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if !gw.Enabled() {
		logger.Warn("task api not configured; remote tasks will not be created")
	}
	secret, err := cfg.Reveal(cfg.Webhook.Secret)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("webhook.secret: %w", err)
	}
	if secret == "" {
		logger.Warn("webhook.secret not set; deliveries are accepted without signature checks")
	}
	e := engine.New(conn, cfg, gw, logger)
	ing := webhook.New(webhook.Options{
		Repo:           e.Repo,
		Sync:           e.Sync,
		Gates:          e.Gates,
		Secret:         secret,
		QueueSize:      cfg.Webhook.QueueSize,
		EnqueueTimeout: cfg.Webhook.EnqueueTimeout(),
		Logger:         logger,
	})
	return &Services{
		Config:   cfg,
		DB:       conn,
		Logger:   logger,
		Gateway:  gw,
		Engine:   e,
		Ingestor: ing,
	}, nil
}

func (s *Services) Close() error {
	return s.DB.Close()
}

// EnsureCatalog imports the default catalog into an empty database. It
// reports whether anything was imported.
func (s *Services) EnsureCatalog(ctx context.Context) (bool, error) {
	templates, err := s.Engine.Catalog.Templates(ctx)
	if err != nil {
		return false, err
	}
	if len(templates) > 0 {
		return false, nil
	}
	res, err := s.Engine.Catalog.Import(ctx, config.DefaultSeed())
	if err != nil {
		return false, fmt.Errorf("import default catalog: %w", err)
	}
	s.Logger.Info("default catalog imported", "templates", res.Templates, "gates", res.Gates)
	return true, nil
}

// Handler builds the HTTP API. The webhook worker is not started here.
func (s *Services) Handler() (http.Handler, error) {
	jwtSecret, err := s.Config.Reveal(s.Config.Server.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("server.jwt_secret: %w", err)
	}
	if jwtSecret == "" {
		s.Logger.Warn("server.jwt_secret not set; management API is unauthenticated")
	}
	return server.New(server.Config{
		Engine:   s.Engine,
		Ingestor: s.Ingestor,
		BasePath: s.Config.Server.BasePath,
		Auth:     server.AuthConfig{JWTSecret: jwtSecret, Logger: s.Logger},
		Logger:   s.Logger,
	})
}
