package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/order-cache/internal/cache"
	"github.com/any-hub/order-cache/internal/lifecycle"
	"github.com/any-hub/order-cache/internal/version"
)

// StatusError 表示清单资源返回了非 2xx 状态。
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

// Install 并发拉取全部清单资源，全部成功后才一次性提交缓存；任一失败则什么都不写入。
// 已存在且包含全部清单条目的同版本缓存会被直接复用。
func (c *Controller) Install(ctx context.Context, ev lifecycle.InstallEvent) error {
	started := time.Now()

	if ok, err := c.reuseExisting(ctx); err != nil {
		c.logger.WithFields(c.fields(string(lifecycle.StateInstalling))).
			WithError(err).
			Debug("install_reuse_check_failed")
	} else if ok {
		fields := c.fields(string(lifecycle.StateInstalling))
		fields["entries"] = len(c.manifest)
		c.logger.WithFields(fields).Info("install_reused")
		if superseded(ev) {
			return c.discardSuperseded(ctx)
		}
		return nil
	}

	snapshots := make([]*cache.Snapshot, len(c.manifest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, target := range c.manifest {
		g.Go(func() error {
			snap, err := c.fetchManifestEntry(gctx, target)
			if err != nil {
				return err
			}
			snapshots[i] = snap
			return nil
		})
	}

	fields := c.fields(string(lifecycle.StateInstalling))
	fields["entries"] = len(c.manifest)
	if err := g.Wait(); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("install_aborted")
		return err
	}

	if err := c.store.Commit(ctx, c.cacheName, snapshots); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("install_aborted")
		return fmt.Errorf("commit %s: %w", c.cacheName, err)
	}

	if superseded(ev) {
		return c.discardSuperseded(ctx)
	}

	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	c.logger.WithFields(fields).Info("install_complete")
	return nil
}

// discardSuperseded 删除被更新版本取代的实例刚提交的缓存。新版本的清理可能早于本次提交。
func (c *Controller) discardSuperseded(ctx context.Context) error {
	fields := c.fields(string(lifecycle.StateRedundant))
	if _, err := c.store.Delete(context.WithoutCancel(ctx), c.cacheName); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("cache_prune_failed")
	}
	c.logger.WithFields(fields).Info("install_superseded")
	return fmt.Errorf("install %s: %w", c.version, lifecycle.ErrSuperseded)
}

func superseded(ev lifecycle.InstallEvent) bool {
	return ev.Scope != nil && ev.Scope.State() == lifecycle.StateRedundant
}

func (c *Controller) fetchManifestEntry(ctx context.Context, target *url.URL) (*cache.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.fetcher.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{URL: target.String(), Status: resp.StatusCode}
	}
	return cache.NewSnapshot(cache.GetKey(target.String()), resp)
}

func (c *Controller) reuseExisting(ctx context.Context) (bool, error) {
	exists, err := c.store.Has(ctx, c.cacheName)
	if err != nil || !exists {
		return false, err
	}
	keys, err := c.cache.Keys(ctx)
	if err != nil {
		return false, err
	}
	present := make(map[cache.Key]struct{}, len(keys))
	for _, key := range keys {
		present[key] = struct{}{}
	}
	for _, target := range c.manifest {
		if _, ok := present[cache.GetKey(target.String())]; !ok {
			return false, nil
		}
	}
	return true, nil
}
