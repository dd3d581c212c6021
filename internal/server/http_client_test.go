package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/any-hub/order-cache/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if NewUpstreamClient(nil).Timeout != defaultUpstreamTimeout {
		t.Fatalf("nil config should fall back to the default timeout")
	}
}

func TestUpstreamClientSetsUserAgent(t *testing.T) {
	var seen []string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("User-Agent"))
	}))
	defer origin.Close()

	client := NewUpstreamClient(nil)
	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, origin.URL, nil)
	req.Header.Set("User-Agent", "browser/1.0")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("do error: %v", err)
	}
	resp.Body.Close()

	if len(seen) != 2 || !strings.HasPrefix(seen[0], "order-cache/") || seen[1] != "browser/1.0" {
		t.Fatalf("unexpected user agents %v", seen)
	}
}

func TestUpstreamClientDoesNotRequestCompression(t *testing.T) {
	var encoding string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding = r.Header.Get("Accept-Encoding")
	}))
	defer origin.Close()

	resp, err := NewUpstreamClient(nil).Get(origin.URL)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	resp.Body.Close()
	if encoding != "" {
		t.Fatalf("transport must not add Accept-Encoding, got %q", encoding)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}
