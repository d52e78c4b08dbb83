package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	"github.com/mihaimyh/gocredit/storage/memory"
)

// errorStorage is a mock storage that always fails to open a transaction
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) WithTx(context.Context, string, func(gocredit.Tx) error) error {
	return errors.New("connection refused")
}

// Test helper to create a test manager
func setupTestManager(t *testing.T, storage gocredit.Storage) *gocredit.Manager {
	t.Helper()

	manager, err := gocredit.NewManager(storage, gocredit.Config{
		Pricing: gocredit.PricingConfig{Rates: map[string]float64{"gpt": 3}},
	})
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager
}

func fund(t *testing.T, manager *gocredit.Manager, credits int64) {
	t.Helper()
	if _, err := manager.Ledger.Allocate(context.Background(), "user1", credits, "test", 30, ""); err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
}

func newEcho(manager *gocredit.Manager, handler echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.POST("/generate", handler, Middleware(Config{
		Manager:           manager,
		GetUserID:         FromHeader("X-User-ID"),
		GetModelID:        FixedModel("gpt"),
		GetEstimatedUnits: UnitsFromQuery("max_tokens"),
	}))
	return e
}

func perform(e *echo.Echo, userID, query string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/generate?"+query, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func onlyService(t *testing.T, storage *memory.Storage) string {
	t.Helper()
	records, err := storage.ListUsage(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Failed to list usage: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 usage record, got %d", len(records))
	}
	return records[0].Service
}

func TestMiddleware_Success(t *testing.T) {
	storage := memory.New()
	manager := setupTestManager(t, storage)
	fund(t, manager, 20)

	e := newEcho(manager, func(c echo.Context) error {
		meter, ok := MeterFromContext(c)
		if !ok {
			t.Fatal("expected meter on echo context")
		}
		if _, ok := gocredit.MeterFromContext(c.Request().Context()); !ok {
			t.Fatal("expected meter on request context")
		}
		meter.Set(1500)
		return c.String(http.StatusOK, "ok")
	})

	rec := perform(e, "user1", "max_tokens=2000")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Credits-Reserved"); got != "8" {
		t.Errorf("Expected X-Credits-Reserved 8, got %q", got)
	}

	b, err := manager.Balance(context.Background(), "user1")
	if err != nil {
		t.Fatalf("Failed to get balance: %v", err)
	}
	if b.TotalCredits != 15 {
		t.Errorf("Expected balance 15, got %d", b.TotalCredits)
	}
	if got := onlyService(t, storage); got != gocredit.ServiceStreaming {
		t.Errorf("Expected service %q, got %q", gocredit.ServiceStreaming, got)
	}
}

func TestMiddleware_ReturnedHTTPErrorDecidesOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"client error", echo.NewHTTPError(http.StatusBadRequest, "bad prompt"), gocredit.ServiceStreamingFailed},
		{"server error", echo.NewHTTPError(http.StatusBadGateway, "upstream"), gocredit.ServiceStreamingAborted},
		{"plain error", errors.New("boom"), gocredit.ServiceStreamingAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := memory.New()
			manager := setupTestManager(t, storage)
			fund(t, manager, 20)

			e := newEcho(manager, func(echo.Context) error { return tt.err })
			perform(e, "user1", "max_tokens=2000")

			if got := onlyService(t, storage); got != tt.want {
				t.Errorf("Expected service %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		query  string
		want   int
	}{
		{"unauthorized", "", "max_tokens=10", http.StatusUnauthorized},
		{"bad estimate", "user1", "max_tokens=x", http.StatusBadRequest},
		{"insufficient", "user1", "max_tokens=50000", http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := setupTestManager(t, memory.New())
			fund(t, manager, 20)

			called := false
			e := newEcho(manager, func(echo.Context) error {
				called = true
				return nil
			})
			rec := perform(e, tt.userID, tt.query)
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
			if called {
				t.Error("Handler should not be called")
			}
		})
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	manager := setupTestManager(t, &errorStorage{Storage: memory.New()})
	e := newEcho(manager, func(echo.Context) error { return nil })

	rec := perform(e, "user1", "max_tokens=10")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
}

func TestMiddleware_CustomOnError(t *testing.T) {
	manager := setupTestManager(t, &errorStorage{Storage: memory.New()})
	e := echo.New()
	e.POST("/generate", func(echo.Context) error { return nil }, Middleware(Config{
		Manager:           manager,
		GetUserID:         FromHeader("X-User-ID"),
		GetModelID:        FixedModel("gpt"),
		GetEstimatedUnits: FixedUnits(10),
		OnError: func(c echo.Context, err error) error {
			if !errors.Is(err, gocredit.ErrPersistenceFailure) {
				t.Errorf("Expected ErrPersistenceFailure, got %v", err)
			}
			return c.NoContent(http.StatusServiceUnavailable)
		},
	}))

	rec := perform(e, "user1", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing Manager")
		}
	}()
	Middleware(Config{})
}

func TestFromContext(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), httptest.NewRecorder())
	if got := FromContext("UserID")(c); got != "" {
		t.Errorf("Expected empty user ID, got %q", got)
	}
	c.Set("UserID", "user1")
	if got := FromContext("UserID")(c); got != "user1" {
		t.Errorf("Expected user1, got %q", got)
	}
}
