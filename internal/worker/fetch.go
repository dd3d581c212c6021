package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/any-hub/order-cache/internal/cache"
	"github.com/any-hub/order-cache/internal/lifecycle"
)

// Fetch 对导航请求走网络优先，对其它 GET 走缓存优先；非 GET 直接回源。
func (c *Controller) Fetch(ctx context.Context, ev lifecycle.FetchEvent) (*http.Response, error) {
	req := ev.Request
	if req == nil {
		return nil, errors.New("fetch: nil request")
	}
	if req.Method != http.MethodGet {
		return c.fetcher.Do(req)
	}
	if ev.Navigate {
		return c.networkFirst(ctx, req)
	}
	return c.cacheFirst(ctx, req)
}

// networkFirst：在线时总是返回最新页面；断网时依次回退到同一请求的缓存、应用外壳。
func (c *Controller) networkFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.fetcher.Do(req)
	if err == nil {
		return resp, nil
	}

	key := cache.KeyFor(req)
	if snap := c.match(ctx, key); snap != nil {
		c.logFallback(key, "cached_request", err)
		return c.serve(snap, req), nil
	}
	if snap := c.match(ctx, c.fallback); snap != nil {
		c.logFallback(key, "app_shell", err)
		return c.serve(snap, req), nil
	}
	return nil, fmt.Errorf("navigate %s: %w", key.URL, err)
}

// cacheFirst：同一版本的子资源视为不可变，命中即返回；未命中回源并在后台补写缓存。
func (c *Controller) cacheFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := cache.KeyFor(req)
	if snap := c.match(ctx, key); snap != nil {
		return c.serve(snap, req), nil
	}

	resp, err := c.fetcher.Do(req)
	if err != nil {
		if snap := c.match(ctx, c.fallback); snap != nil {
			c.logFallback(key, "app_shell", err)
			return c.serve(snap, req), nil
		}
		return nil, fmt.Errorf("fetch %s: %w", key.URL, err)
	}

	if resp.StatusCode == http.StatusOK {
		resp.Body = c.storeOnEOF(ctx, key, resp)
	}
	return resp, nil
}

func (c *Controller) serve(snap *cache.Snapshot, req *http.Request) *http.Response {
	resp := snap.Response(req)
	resp.Header.Set(HeaderCacheHit, "true")
	return resp
}

func (c *Controller) match(ctx context.Context, key cache.Key) *cache.Snapshot {
	snap, err := c.cache.Match(ctx, key)
	switch {
	case err == nil:
		return snap
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		c.logger.WithFields(c.fields("")).
			WithField("key", key.String()).
			WithError(err).
			Warn("cache_match_failed")
		return nil
	}
}

// storeOnEOF 包装响应正文：调用方读取的同时复制一份，读到 EOF 后在后台写入缓存。
// 调用方拿到的仍是完整的原始数据流，写缓存失败只记录日志。
func (c *Controller) storeOnEOF(ctx context.Context, key cache.Key, resp *http.Response) io.ReadCloser {
	header := resp.Header.Clone()
	status := resp.StatusCode
	storeCtx := context.WithoutCancel(ctx)

	return &storingBody{
		src: resp.Body,
		onComplete: func(body []byte) {
			snap := &cache.Snapshot{
				Key:      key,
				Status:   status,
				Header:   header,
				Body:     body,
				StoredAt: time.Now().UTC(),
			}
			c.stores.Add(1)
			go func() {
				defer c.stores.Done()
				err := c.cache.Put(storeCtx, snap)
				switch {
				case errors.Is(err, cache.ErrNotFound):
					// 本版本缓存已被清理，不再回写。
					c.logger.WithFields(c.fields("")).
						WithField("key", key.String()).
						Debug("cache_put_skipped")
				case err != nil:
					c.logger.WithFields(c.fields("")).
						WithField("key", key.String()).
						WithError(err).
						Warn("cache_put_failed")
				}
			}()
		},
	}
}

func (c *Controller) logFallback(key cache.Key, source string, cause error) {
	c.logger.WithFields(c.fields("")).
		WithField("key", key.String()).
		WithField("fallback", source).
		WithError(cause).
		Info("network_fallback")
}

type storingBody struct {
	src        io.ReadCloser
	buf        bytes.Buffer
	once       sync.Once
	onComplete func([]byte)
}

func (b *storingBody) Read(p []byte) (int, error) {
	n, err := b.src.Read(p)
	if n > 0 {
		b.buf.Write(p[:n])
	}
	if errors.Is(err, io.EOF) {
		b.once.Do(func() { b.onComplete(b.buf.Bytes()) })
	}
	return n, err
}

func (b *storingBody) Close() error {
	return b.src.Close()
}
