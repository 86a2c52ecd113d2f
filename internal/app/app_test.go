package app

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"launchline/internal/config"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output: %s", out)
	}

	if _, err := NewLogger(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if _, err := NewLogger(config.LogConfig{Format: "xml"}, &buf); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestOpenWiresServices(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default(t.TempDir())
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	svc, err := Open(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()

	if svc.Gateway.Enabled() {
		t.Fatalf("gateway must be disabled without base url and token")
	}
	imported, err := svc.EnsureCatalog(ctx)
	if err != nil || !imported {
		t.Fatalf("expected first import, got %v %v", imported, err)
	}
	imported, err = svc.EnsureCatalog(ctx)
	if err != nil || imported {
		t.Fatalf("expected no second import, got %v %v", imported, err)
	}

	handler, err := svc.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/catalog/templates", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"performance"`) {
		t.Fatalf("templates status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGatewayRevealsSealedToken(t *testing.T) {
	keyring, err := config.NewKeyring("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	sealed, err := keyring.Seal("pat-123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	cfg := config.Default(t.TempDir()).WithKeyring(keyring)
	cfg.TaskAPI.BaseURL = "https://tasks.example.test/api/1.0"
	cfg.TaskAPI.AccessToken = sealed
	gw, err := NewGateway(cfg, slog.Default())
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	if gw.Token != "pat-123" || !gw.Enabled() {
		t.Fatalf("unexpected gateway: token=%q enabled=%v", gw.Token, gw.Enabled())
	}

	cfg = config.Default(t.TempDir())
	cfg.TaskAPI.AccessToken = sealed
	if _, err := NewGateway(cfg, slog.Default()); err == nil {
		t.Fatalf("expected error revealing sealed token without key")
	}
}
