package server

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/order-cache/internal/logging"
)

func TestRouterHandsPageRequestsToProxy(t *testing.T) {
	app, recorder := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "http://shop.local/order.html", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 204 status, got %d (body=%s)", resp.StatusCode, string(body))
	}
	if recorder.path != "/order.html" {
		t.Fatalf("proxy should receive /order.html, got %q", recorder.path)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if recorder.requestID == "" || recorder.requestID != resp.Header.Get("X-Request-ID") {
		t.Fatalf("proxy should see the same request id, got %q", recorder.requestID)
	}
}

func TestRouterLeavesDiagnosticsToLaterRoutes(t *testing.T) {
	app, recorder := newTestApp(t)
	app.Get("/-/ping", func(c fiber.Ctx) error {
		return c.SendString("pong")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "http://shop.local/-/ping", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" {
		t.Fatalf("expected diagnostics route, got %q", string(body))
	}
	if recorder.calls != 0 {
		t.Fatalf("diagnostics must bypass the proxy")
	}
}

func TestRouterRecoversPanics(t *testing.T) {
	app, err := NewApp(AppOptions{
		Logger:     logging.Discard(),
		Proxy:      ProxyHandlerFunc(func(c fiber.Ctx) error { panic("boom") }),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	resp, err := app.Test(httptest.NewRequest("GET", "http://shop.local/", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", resp.StatusCode)
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	cases := []AppOptions{
		{Proxy: &proxyRecorder{}, ListenPort: 5000},
		{Logger: logging.Discard(), ListenPort: 5000},
		{Logger: logging.Discard(), Proxy: &proxyRecorder{}},
	}
	for i, opts := range cases {
		if _, err := NewApp(opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func newTestApp(t *testing.T) (*fiber.App, *proxyRecorder) {
	t.Helper()

	recorder := &proxyRecorder{}
	app, err := NewApp(AppOptions{
		Logger:     logging.Discard(),
		Proxy:      recorder,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, recorder
}

type proxyRecorder struct {
	calls     int
	path      string
	requestID string
}

func (p *proxyRecorder) Handle(c fiber.Ctx) error {
	p.calls++
	p.path = c.Path()
	p.requestID = RequestID(c)
	return c.SendStatus(fiber.StatusNoContent)
}
