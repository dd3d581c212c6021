package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/go-cmp/cmp"

	"github.com/any-hub/order-cache/internal/cache"
	"github.com/any-hub/order-cache/internal/lifecycle"
	"github.com/any-hub/order-cache/internal/logging"
)

func TestStatusWithoutRegistration(t *testing.T) {
	app, _ := newLifecycleApp(t, nil)

	resp := call(t, app, http.MethodGet, "/-/status", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Fatalf("lifecycle endpoints must not be cached")
	}
	var payload statusPayload
	decode(t, resp, &payload)
	if payload.Active != nil || payload.Waiting != nil || len(payload.Caches) != 0 {
		t.Fatalf("unexpected status %+v", payload)
	}
}

func TestPageUpdateFlowOverHTTP(t *testing.T) {
	current := lifecycle.Handler(newStubHandler("v1"))
	app, container := newLifecycleApp(t, func() lifecycle.Handler { return current })

	var page map[string]any
	decode(t, call(t, app, http.MethodPost, "/-/clients", ""), &page)
	id, _ := page["id"].(string)
	if id == "" || page["controlled_by"] != "v1" {
		t.Fatalf("new page should be controlled by v1, got %v", page)
	}

	if _, err := container.Register(context.Background(), "/", newStubHandler("v2")); err != nil {
		t.Fatalf("register v2 error: %v", err)
	}
	decode(t, call(t, app, http.MethodGet, "/-/clients/"+id, ""), &page)
	if page["update_available"] != true {
		t.Fatalf("page should see the waiting update, got %v", page)
	}

	resp := call(t, app, http.MethodPost, "/-/clients/"+id+"/update", "")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	decode(t, resp, &page)
	if page["controlled_by"] != "v2" || page["reload_required"] != true || page["update_available"] != false {
		t.Fatalf("page should be reloaded under v2, got %v", page)
	}

	var status statusPayload
	decode(t, call(t, app, http.MethodGet, "/-/status", ""), &status)
	if status.Active == nil || status.Active.Version != "v2" || status.Active.Cache != "ordering-app-v2" {
		t.Fatalf("v2 should be active, got %+v", status.Active)
	}
	if status.Waiting != nil || status.Clients != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestUpdateWithoutWaitingReturnsConflict(t *testing.T) {
	app, _ := newLifecycleApp(t, func() lifecycle.Handler { return newStubHandler("v1") })

	var page map[string]any
	decode(t, call(t, app, http.MethodPost, "/-/clients", ""), &page)
	resp := call(t, app, http.MethodPost, "/-/clients/"+page["id"].(string)+"/update", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if body := readBody(t, resp); !strings.Contains(body, "no_update") {
		t.Fatalf("expected no_update, got %s", body)
	}
}

func TestMessageRoute(t *testing.T) {
	app, container := newLifecycleApp(t, nil)

	resp := call(t, app, http.MethodPost, "/-/message", `{"data":"SKIP_WAITING"}`)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("expected 409 without registration, got %d", resp.StatusCode)
	}

	reg, _ := container.Register(context.Background(), "/", newStubHandler("v1"))
	reg.AddClient("page-1")
	_, _ = container.Register(context.Background(), "/", newStubHandler("v2"))

	resp = call(t, app, http.MethodPost, "/-/message", `{"data":{"type":"refresh"}}`)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if reg.Active().Version() != "v1" {
		t.Fatalf("unrecognized message must not activate v2")
	}

	resp = call(t, app, http.MethodPost, "/-/message", `{"data":"SKIP_WAITING"}`)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if reg.Active().Version() != "v2" {
		t.Fatalf("SKIP_WAITING should activate v2, got %+v", reg.Snapshot())
	}

	resp = call(t, app, http.MethodPost, "/-/message", `not-json`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for invalid body, got %d", resp.StatusCode)
	}
}

func TestInstallPromptRoute(t *testing.T) {
	app, _ := newLifecycleApp(t, func() lifecycle.Handler { return newStubHandler("v1") })

	var page map[string]any
	decode(t, call(t, app, http.MethodPost, "/-/clients", `{"installable":true}`), &page)
	id := page["id"].(string)
	if page["install_offer"] != true {
		t.Fatalf("installable page should show the install affordance, got %v", page)
	}

	var result map[string]string
	decode(t, call(t, app, http.MethodPost, "/-/clients/"+id+"/install", `{"accept":false}`), &result)
	if result["outcome"] != "dismissed" {
		t.Fatalf("expected dismissed outcome, got %v", result)
	}

	resp := call(t, app, http.MethodPost, "/-/clients/"+id+"/install", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("offer must be single use, got %d", resp.StatusCode)
	}
}

func TestDeleteClientActivatesWaiting(t *testing.T) {
	app, container := newLifecycleApp(t, func() lifecycle.Handler { return newStubHandler("v1") })

	var page map[string]any
	decode(t, call(t, app, http.MethodPost, "/-/clients", ""), &page)
	id := page["id"].(string)
	_, _ = container.Register(context.Background(), "/", newStubHandler("v2"))

	resp := call(t, app, http.MethodDelete, "/-/clients/"+id, "")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	reg, _ := container.Registration("/")
	if reg.Active().Version() != "v2" {
		t.Fatalf("closing the last page should activate v2")
	}

	resp = call(t, app, http.MethodGet, "/-/clients/"+id, "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("closed page should be gone, got %d", resp.StatusCode)
	}
}

func TestIdleClientsAreEvicted(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = time.Now })

	app, container := newLifecycleApp(t, func() lifecycle.Handler { return newStubHandler("v1") })
	var idle, busy map[string]any
	decode(t, call(t, app, http.MethodPost, "/-/clients", ""), &idle)
	decode(t, call(t, app, http.MethodPost, "/-/clients", ""), &busy)

	now = now.Add(20 * time.Minute)
	readBody(t, call(t, app, http.MethodGet, "/-/clients/"+busy["id"].(string), ""))
	now = now.Add(15 * time.Minute)

	var fresh map[string]any
	decode(t, call(t, app, http.MethodPost, "/-/clients", ""), &fresh)

	if resp := call(t, app, http.MethodGet, "/-/clients/"+idle["id"].(string), ""); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("idle page should be evicted, got %d", resp.StatusCode)
	}
	if resp := call(t, app, http.MethodGet, "/-/clients/"+busy["id"].(string), ""); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("recently seen page should stay, got %d", resp.StatusCode)
	}
	reg, _ := container.Registration("/")
	if got := reg.Snapshot().Clients; got != 2 {
		t.Fatalf("evicted page should leave the registration, clients=%d", got)
	}
}

func TestReloadedClientIsEvictedOnNextOpen(t *testing.T) {
	current := lifecycle.Handler(newStubHandler("v1"))
	app, container := newLifecycleApp(t, func() lifecycle.Handler { return current })

	var page map[string]any
	decode(t, call(t, app, http.MethodPost, "/-/clients", ""), &page)
	id := page["id"].(string)
	_, _ = container.Register(context.Background(), "/", newStubHandler("v2"))
	decode(t, call(t, app, http.MethodPost, "/-/clients/"+id+"/update", ""), &page)
	if page["reload_required"] != true {
		t.Fatalf("page should be told to reload, got %v", page)
	}

	current = newStubHandler("v2")
	var reloaded map[string]any
	decode(t, call(t, app, http.MethodPost, "/-/clients", ""), &reloaded)
	if reloaded["controlled_by"] != "v2" {
		t.Fatalf("reloaded page should start under v2, got %v", reloaded)
	}
	if resp := call(t, app, http.MethodGet, "/-/clients/"+id, ""); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("page replaced by its reload should be evicted, got %d", resp.StatusCode)
	}
	reg, _ := container.Registration("/")
	if got := reg.Snapshot().Clients; got != 1 {
		t.Fatalf("expected only the reloaded page, clients=%d", got)
	}
}

func TestStatusListsCaches(t *testing.T) {
	store := cache.NewMemoryStore()
	entry := &cache.Snapshot{Key: cache.GetKey("http://shop.local/order.html"), Status: http.StatusOK}
	for _, name := range []string{"ordering-app-v2", "ordering-app-v1"} {
		if err := store.Commit(context.Background(), name, []*cache.Snapshot{entry}); err != nil {
			t.Fatalf("commit error: %v", err)
		}
	}
	app := fiber.New()
	RegisterLifecycleRoutes(app, LifecycleOptions{
		Container:   lifecycle.NewContainer(logging.Discard()),
		Scope:       "/",
		CachePrefix: "ordering-app",
		Store:       store,
		Logger:      logging.Discard(),
	})

	var status statusPayload
	decode(t, call(t, app, http.MethodGet, "/-/status", ""), &status)
	if diff := cmp.Diff([]string{"ordering-app-v1", "ordering-app-v2"}, status.Caches); diff != "" {
		t.Fatalf("cache list mismatch (-want +got):\n%s", diff)
	}
}

func newLifecycleApp(t *testing.T, handler func() lifecycle.Handler) (*fiber.App, *lifecycle.Container) {
	t.Helper()
	container := lifecycle.NewContainer(logging.Discard())
	app := fiber.New()
	RegisterLifecycleRoutes(app, LifecycleOptions{
		Container:   container,
		Scope:       "/",
		CachePrefix: "ordering-app",
		Store:       cache.NewMemoryStore(),
		Handler:     handler,
		Logger:      logging.Discard(),
	})
	return app, container
}

func call(t *testing.T, app *fiber.App, method, target, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, "http://shop.local"+target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}

type stubHandler struct {
	version string
}

func newStubHandler(version string) *stubHandler {
	return &stubHandler{version: version}
}

func (h *stubHandler) Version() string { return h.version }

func (h *stubHandler) Install(ctx context.Context, ev lifecycle.InstallEvent) error { return nil }

func (h *stubHandler) Activate(ctx context.Context, ev lifecycle.ActivateEvent) error {
	return ev.Scope.Claim(ctx)
}

func (h *stubHandler) Fetch(ctx context.Context, ev lifecycle.FetchEvent) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(h.version)),
		Request:    ev.Request,
	}, nil
}

func (h *stubHandler) Message(ctx context.Context, ev lifecycle.MessageEvent) {
	if ev.Data == lifecycle.SkipWaitingDirective && ev.Scope.State() == lifecycle.StateWaiting {
		ev.Scope.SkipWaiting()
	}
}
