package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/internal/config"
	"github.com/mihaimyh/gocredit/pkg/api"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("GOCREDIT_STORAGE_DRIVER", config.DriverMemory)
	cfg, err := config.LoadFromEnv()
	require.NoError(t, err)
	return cfg
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("user_id", "u1").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "gocredit", entry["service"])
	assert.Equal(t, "u1", entry["user_id"])
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "bogus", Format: "console"}, &buf)
	logger.Debug().Msg("debug hidden at default level")
	logger.Info().Msg("console line")

	assert.NotContains(t, buf.String(), "debug hidden")
	assert.Contains(t, buf.String(), "console line")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://app:secret@db:5432/credits", "postgres://app:****@db:5432/credits"},
		{"postgres://app@db/credits", "postgres://app@db/credits"},
		{"host=db user=app", "host=db user=app"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, redactDSN(tt.in))
	}
}

func TestOpenStorage_Unsupported(t *testing.T) {
	_, _, err := openStorage(context.Background(), config.StorageConfig{Driver: "mongo"}, false)
	assert.Error(t, err)
}

func TestRouter(t *testing.T) {
	cfg := memoryConfig(t)
	storage, closeStorage, err := openStorage(context.Background(), cfg.Storage, false)
	require.NoError(t, err)
	defer closeStorage()

	reg := prometheus.NewRegistry()
	manager, err := newManager(cfg, storage, zerolog.Nop(), reg)
	require.NoError(t, err)
	_, err = manager.Ledger.Allocate(context.Background(), "u1", 100, "test", 30, "")
	require.NoError(t, err)

	router, err := newRouter(cfg, manager, zerolog.Nop(), reg)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/credits/u1/balance", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	var balance api.BalanceResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&balance))
	assert.Equal(t, int64(100), balance.TotalCredits)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["gocredit_credits_allocated_total"], "core metrics registered under the configured namespace")
}

func TestRouter_UserHeaderAndStripe(t *testing.T) {
	t.Setenv("GOCREDIT_SERVER_USER_HEADER", "X-User-ID")
	t.Setenv("GOCREDIT_SERVER_ADMIN_TOKEN", "ops-token")
	t.Setenv("GOCREDIT_STRIPE_API_KEY", "sk_test_123")
	t.Setenv("GOCREDIT_STRIPE_WEBHOOK_SECRET", "whsec_test")
	cfg := memoryConfig(t)
	cfg.Billing.Stripe.Packs = map[string]config.PackConfig{
		"starter": {Credits: 100, ExpiryDays: 30, PriceID: "price_1"},
	}

	storage, _, err := openStorage(context.Background(), cfg.Storage, false)
	require.NoError(t, err)
	manager, err := newManager(cfg, storage, zerolog.Nop(), nil)
	require.NoError(t, err)
	router, err := newRouter(cfg, manager, zerolog.Nop(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/credits/u1/balance", http.NoBody)
	req.Header.Set("X-User-ID", "u2")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	allocate := func(headers ...string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/credits/u1/allocations",
			strings.NewReader(`{"credits":1000,"expiry_days":30}`))
		for i := 0; i+1 < len(headers); i += 2 {
			req.Header.Set(headers[i], headers[i+1])
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusForbidden, allocate("X-User-ID", "u1"))
	assert.Equal(t, http.StatusCreated, allocate("X-Admin-Token", "ops-token"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_AllocateAndBalance(t *testing.T) {
	t.Setenv("GOCREDIT_STORAGE_DRIVER", config.DriverSQLite)
	t.Setenv("GOCREDIT_SQLITE_PATH", filepath.Join(t.TempDir(), "credits.db"))
	t.Setenv("GOCREDIT_LOG_LEVEL", "error")

	out, err := runCLI(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Migrated sqlite")

	out, err = runCLI(t, "allocate", "user_1", "250", "--notes", "welcome", "--idempotency-key", "welcome-user_1")
	require.NoError(t, err)
	assert.Contains(t, out, "Allocated 250 credits to user_1")

	_, err = runCLI(t, "allocate", "user_1", "250", "--idempotency-key", "welcome-user_1")
	assert.Error(t, err)

	out, err = runCLI(t, "balance", "user_1")
	require.NoError(t, err)
	assert.Contains(t, out, "user_1: 250 credits")

	_, err = runCLI(t, "allocate", "user_1", "lots")
	assert.Error(t, err)
}

func TestCLI_Validate(t *testing.T) {
	t.Setenv("GOCREDIT_STORAGE_DRIVER", config.DriverMemory)

	out, err := runCLI(t, "validate", "--check-storage")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid.")
	assert.Contains(t, out, "Storage reachable")

	_, err = runCLI(t, "migrate")
	assert.Error(t, err, "memory storage has no schema")
}
