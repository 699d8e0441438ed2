package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/WessleyAI/wessley-diagnostics/config"
	"github.com/WessleyAI/wessley-diagnostics/pkg/mid"
)

// localConfig loads the defaults with every external backend disabled.
func localConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"NEO4J_URL", "NATS_URL", "REDIS_ADDR", "POSTGRES_DSN", "BADGER_DIR", "QDRANT_URL", "OLLAMA_URL", "GRAPH_CATALOG", "SAFETY_TRIGGERS", "VEHICLE_CATALOG"} {
		t.Setenv(k, "")
	}
	t.Setenv("ADMIN_TOKEN", testToken)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

func TestBuildWiresMiddlewareAndMetrics(t *testing.T) {
	cfg := localConfig(t)
	a, err := build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(mid.HeaderRequestID) == "" {
		t.Fatalf("expected a request id header")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("expected CORS headers")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/learning/apply", nil)
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "wessley_diag_") {
		t.Fatalf("metrics exposition is missing the service namespace")
	}
}

func TestBuildRejectsMissingTriggerFile(t *testing.T) {
	cfg := localConfig(t)
	cfg.Catalogs.TriggerFile = t.TempDir() + "/missing.yaml"
	if _, err := build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected an error for a missing trigger file")
	}
}
