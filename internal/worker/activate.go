package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/any-hub/order-cache/internal/lifecycle"
)

// Activate 删除本控制器类型下所有非当前版本的缓存，清理完成后再接管页面。
func (c *Controller) Activate(ctx context.Context, ev lifecycle.ActivateEvent) error {
	var errs []error

	names, err := c.store.Names(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list caches: %w", err))
	}
	for _, name := range names {
		if name == c.cacheName || !c.owns(name) {
			continue
		}
		fields := c.fields(string(lifecycle.StateActive))
		fields["pruned"] = name
		if _, err := c.store.Delete(ctx, name); err != nil {
			c.logger.WithFields(fields).WithError(err).Warn("cache_prune_failed")
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		c.logger.WithFields(fields).Info("cache_pruned")
	}

	if ev.Scope != nil {
		if err := ev.Scope.Claim(ctx); err != nil {
			errs = append(errs, fmt.Errorf("claim: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) owns(name string) bool {
	return strings.HasPrefix(name, c.prefix+"-")
}
