package fiber

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

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

func newApp(manager *gocredit.Manager, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Post("/generate", Middleware(Config{
		Manager:           manager,
		GetUserID:         FromHeader("X-User-ID"),
		GetModelID:        FixedModel("gpt"),
		GetEstimatedUnits: UnitsFromQuery("max_tokens"),
	}), handler)
	return app
}

func perform(t *testing.T, app *fiber.App, userID, requestID, query string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/generate?"+query, http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("Failed to perform request: %v", err)
	}
	return resp
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

	app := newApp(manager, func(c *fiber.Ctx) error {
		meter, ok := MeterFromContext(c)
		if !ok {
			t.Fatal("expected meter in locals")
		}
		if _, ok := gocredit.MeterFromContext(c.UserContext()); !ok {
			t.Fatal("expected meter in user context")
		}
		meter.Add(1500)
		return c.SendString("ok")
	})

	resp := perform(t, app, "user1", "req-42", "max_tokens=2000")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Credits-Reserved"); got != "8" {
		t.Errorf("Expected X-Credits-Reserved 8, got %q", got)
	}

	session, err := manager.Sessions.Session(context.Background(), "user1", "req-42")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if session.Status != gocredit.SessionCompleted || session.UsedCredits != 5 {
		t.Errorf("Expected completed session using 5 credits, got %s/%d", session.Status, session.UsedCredits)
	}
	if got := onlyService(t, storage); got != gocredit.ServiceStreaming {
		t.Errorf("Expected service %q, got %q", gocredit.ServiceStreaming, got)
	}
}

func TestMiddleware_ReturnedErrorDecidesOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"client error", fiber.NewError(fiber.StatusBadRequest, "bad prompt"), gocredit.ServiceStreamingFailed},
		{"server error", fiber.NewError(fiber.StatusBadGateway, "upstream"), gocredit.ServiceStreamingAborted},
		{"plain error", errors.New("boom"), gocredit.ServiceStreamingAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := memory.New()
			manager := setupTestManager(t, storage)
			fund(t, manager, 20)

			app := newApp(manager, func(*fiber.Ctx) error { return tt.err })
			perform(t, app, "user1", "", "max_tokens=2000")

			if got := onlyService(t, storage); got != tt.want {
				t.Errorf("Expected service %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMiddleware_MeterFailAborts(t *testing.T) {
	storage := memory.New()
	manager := setupTestManager(t, storage)
	fund(t, manager, 20)

	app := newApp(manager, func(c *fiber.Ctx) error {
		meter, _ := MeterFromContext(c)
		meter.Add(10)
		meter.Fail()
		return c.SendStatus(fiber.StatusOK)
	})
	perform(t, app, "user1", "", "max_tokens=2000")

	if got := onlyService(t, storage); got != gocredit.ServiceStreamingAborted {
		t.Errorf("Expected service %q, got %q", gocredit.ServiceStreamingAborted, got)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		query  string
		want   int
	}{
		{"unauthorized", "", "max_tokens=10", fiber.StatusUnauthorized},
		{"bad estimate", "user1", "max_tokens=x", fiber.StatusBadRequest},
		{"insufficient", "user1", "max_tokens=50000", fiber.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := setupTestManager(t, memory.New())
			fund(t, manager, 20)

			called := false
			app := newApp(manager, func(*fiber.Ctx) error {
				called = true
				return nil
			})
			resp := perform(t, app, tt.userID, "", tt.query)
			if resp.StatusCode != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, resp.StatusCode)
			}
			if called {
				t.Error("Handler should not be called")
			}
		})
	}
}

func TestMiddleware_DuplicateSession(t *testing.T) {
	manager := setupTestManager(t, memory.New())
	fund(t, manager, 20)
	app := newApp(manager, func(*fiber.Ctx) error { return nil })

	perform(t, app, "user1", "dup", "max_tokens=10")
	if resp := perform(t, app, "user1", "dup", "max_tokens=10"); resp.StatusCode != fiber.StatusConflict {
		t.Errorf("Expected status 409, got %d", resp.StatusCode)
	}
}

func TestMiddleware_StorageError(t *testing.T) {
	manager := setupTestManager(t, &errorStorage{Storage: memory.New()})
	app := newApp(manager, func(*fiber.Ctx) error { return nil })

	if resp := perform(t, app, "user1", "", "max_tokens=10"); resp.StatusCode != fiber.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", resp.StatusCode)
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
