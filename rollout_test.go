package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/any-hub/order-cache/internal/cache"
	"github.com/any-hub/order-cache/internal/config"
	"github.com/any-hub/order-cache/internal/lifecycle"
	"github.com/any-hub/order-cache/internal/logging"
)

func TestRolloutStartsFirstVersion(t *testing.T) {
	roll, container, _ := newTestRollout(t)

	reg, err := roll.start(context.Background(), container, cacheConfig("v1"))
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	if reg.Active() == nil || reg.Active().Version() != "v1" {
		t.Fatalf("v1 should be active, got %+v", reg.Snapshot())
	}
	if roll.handler().Version() != "v1" {
		t.Fatalf("pages should register v1")
	}
}

func TestRolloutInstallsNewVersionAsWaiting(t *testing.T) {
	roll, container, store := newTestRollout(t)
	reg, _ := roll.start(context.Background(), container, cacheConfig("v1"))
	reg.AddClient("page-1")

	next := roll.testConfig("v2")
	roll.apply(context.Background(), next, nil)

	if reg.Waiting() == nil || reg.Waiting().Version() != "v2" {
		t.Fatalf("v2 should wait behind v1, got %+v", reg.Snapshot())
	}
	if roll.handler().Version() != "v2" {
		t.Fatalf("new pages should register v2")
	}
	if ok, _ := store.Has(context.Background(), "ordering-app-v2"); !ok {
		t.Fatalf("v2 cache should be populated during install")
	}

	reg.Waiting().PostMessage(context.Background(), lifecycle.SkipWaitingDirective)
	names, _ := store.Names(context.Background())
	if len(names) != 1 || names[0] != "ordering-app-v2" {
		t.Fatalf("activation should prune v1, got %v", names)
	}
}

func TestRolloutIgnoresInvalidOrUnchangedConfig(t *testing.T) {
	roll, container, _ := newTestRollout(t)
	reg, _ := roll.start(context.Background(), container, cacheConfig("v1"))
	reg.AddClient("page-1")

	roll.apply(context.Background(), nil, errors.New("Origin: 缺少必填字段"))
	roll.apply(context.Background(), roll.testConfig("v1"), nil)

	status := reg.Snapshot()
	if status.Waiting != nil || status.Installing != nil || status.Active.Version != "v1" {
		t.Fatalf("registration should be unchanged, got %+v", status)
	}
}

func TestRolloutKeepsOldVersionWhenInstallFails(t *testing.T) {
	roll, container, _ := newTestRollout(t)
	reg, _ := roll.start(context.Background(), container, cacheConfig("v1"))
	reg.AddClient("page-1")

	next := roll.testConfig("v2")
	next.Cache.Manifest = append(next.Cache.Manifest, "missing.js")
	roll.apply(context.Background(), next, nil)

	if reg.Active().Version() != "v1" || reg.Waiting() != nil {
		t.Fatalf("failed v2 install must leave v1 serving, got %+v", reg.Snapshot())
	}
}

func newTestRollout(t *testing.T) (*rollout, *lifecycle.Container, cache.Storage) {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/order.html", "/order.js":
			_, _ = io.WriteString(w, "asset "+r.URL.Path)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	base, _ := url.Parse(origin.URL + "/")
	cfg := &config.Config{Global: config.GlobalConfig{Origin: base.String(), Scope: "/"}}
	store := cache.NewMemoryStore()
	roll := newRollout(cfg, base, store, origin.Client(), logging.Discard())
	return roll, lifecycle.NewContainer(logging.Discard()), store
}

func (r *rollout) testConfig(version string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{Origin: r.origin.String(), Scope: r.scope},
		Cache:  cacheConfig(version),
	}
}

func cacheConfig(version string) config.CacheConfig {
	return config.CacheConfig{
		Prefix:       "ordering-app",
		Version:      version,
		FallbackPage: "order.html",
		Manifest:     []string{"order.html", "order.js"},
	}
}
