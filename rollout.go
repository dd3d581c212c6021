package main

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/order-cache/internal/cache"
	"github.com/any-hub/order-cache/internal/config"
	"github.com/any-hub/order-cache/internal/lifecycle"
	"github.com/any-hub/order-cache/internal/worker"
)

// rollout 持有当前版本的控制器。配置文件中 Cache.Version 变化时构建新控制器并交给 Registration 安装，
// 旧版本继续服务到新版本激活为止。
type rollout struct {
	origin  *url.URL
	scope   string
	store   cache.Storage
	fetcher worker.Fetcher
	logger  *logrus.Logger

	mu      sync.Mutex
	reg     *lifecycle.Registration
	current *worker.Controller
	// built 保留所有构建过的控制器，退出前等待它们的后台写缓存完成。
	built []*worker.Controller
}

func newRollout(cfg *config.Config, origin *url.URL, store cache.Storage, client *http.Client, logger *logrus.Logger) *rollout {
	return &rollout{
		origin:  origin,
		scope:   cfg.Global.Scope,
		store:   store,
		fetcher: client,
		logger:  logger,
	}
}

// start 按初始配置注册第一个控制器。安装失败不影响启动，请求会直接回源。
func (r *rollout) start(ctx context.Context, host *lifecycle.Container, cacheCfg config.CacheConfig) (*lifecycle.Registration, error) {
	ctrl, err := r.build(cacheCfg)
	if err != nil {
		return nil, err
	}
	reg, err := host.Register(ctx, r.scope, ctrl)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.reg = reg
	r.mu.Unlock()
	return reg, nil
}

// apply 处理配置热更新。新配置无效或版本未变化时保持现状。
func (r *rollout) apply(ctx context.Context, next *config.Config, loadErr error) {
	entry := r.logger.WithField("action", "config_reload")
	if loadErr != nil {
		entry.WithError(loadErr).Warn("配置热更新被拒绝，保留当前版本")
		return
	}

	r.mu.Lock()
	reg := r.reg
	currentVersion := ""
	if r.current != nil {
		currentVersion = r.current.Version()
	}
	r.mu.Unlock()

	if next.Global.Origin != r.origin.String() || next.Global.Scope != r.scope {
		entry.Warn("Origin/Scope 变更需要重启后生效")
	}
	if reg == nil || next.Cache.Version == currentVersion {
		entry.WithField("cache_version", currentVersion).Debug("缓存版本未变化")
		return
	}

	ctrl, err := r.build(next.Cache)
	if err != nil {
		entry.WithError(err).Warn("构建新版本控制器失败")
		return
	}
	entry.WithFields(logrus.Fields{
		"cache_version":    ctrl.Version(),
		"previous_version": currentVersion,
	}).Info("发现新缓存版本")

	if err := reg.Update(ctx, ctrl); err != nil {
		entry.WithError(err).Warn("新版本安装失败，旧版本继续服务")
	}
}

// handler 返回页面注册时使用的控制器。
func (r *rollout) handler() lifecycle.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	return r.current
}

func (r *rollout) waitStores() {
	r.mu.Lock()
	built := append([]*worker.Controller(nil), r.built...)
	r.mu.Unlock()
	for _, ctrl := range built {
		ctrl.WaitStores()
	}
}

func (r *rollout) build(cacheCfg config.CacheConfig) (*worker.Controller, error) {
	ctrl, err := worker.New(worker.Options{
		Version:            cacheCfg.Version,
		Prefix:             cacheCfg.Prefix,
		Origin:             r.origin,
		Manifest:           cacheCfg.Manifest,
		FallbackPage:       cacheCfg.FallbackPage,
		InstallConcurrency: cacheCfg.InstallConcurrency,
		Store:              r.store,
		Fetcher:            r.fetcher,
		Logger:             r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.current = ctrl
	r.built = append(r.built, ctrl)
	r.mu.Unlock()
	return ctrl, nil
}
