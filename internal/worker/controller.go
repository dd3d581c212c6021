package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/order-cache/internal/cache"
	"github.com/any-hub/order-cache/internal/lifecycle"
	"github.com/any-hub/order-cache/internal/logging"
)

// HeaderCacheHit 标记由缓存直接返回的响应。
const HeaderCacheHit = "X-Order-Cache-Hit"

const (
	defaultPrefix       = "ordering-app"
	defaultFallbackPage = "order.html"
	defaultConcurrency  = 4
)

// Fetcher 执行真实网络请求，*http.Client 即满足该接口。
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options 描述一个版本的控制器。Manifest/FallbackPage 是相对 Origin 的路径。
type Options struct {
	Version            string
	Prefix             string
	Origin             *url.URL
	Manifest           []string
	FallbackPage       string
	InstallConcurrency int
	Store              cache.Storage
	Fetcher            Fetcher
	Logger             *logrus.Logger
}

// Controller 是某个版本的缓存控制器：安装时预取清单，激活时清理旧代际，
// 运行期按请求类型选择网络优先或缓存优先。除缓存存储外不持有跨请求的可变状态。
type Controller struct {
	version     string
	prefix      string
	cacheName   string
	origin      *url.URL
	manifest    []*url.URL
	fallback    cache.Key
	concurrency int

	store   cache.Storage
	cache   cache.Cache
	fetcher Fetcher
	logger  *logrus.Logger

	// stores 跟踪后台写缓存的 goroutine，WaitStores 会等待它们结束。
	stores sync.WaitGroup
}

var _ lifecycle.Handler = (*Controller)(nil)

// New 校验参数并解析清单地址。
func New(opts Options) (*Controller, error) {
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		return nil, errors.New("controller version is required")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("absolute origin is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}

	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	fallbackPage := strings.TrimSpace(opts.FallbackPage)
	if fallbackPage == "" {
		fallbackPage = defaultFallbackPage
	}
	concurrency := opts.InstallConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	origin := *opts.Origin
	if !strings.HasSuffix(origin.Path, "/") {
		origin.Path += "/"
	}

	c := &Controller{
		version:     version,
		prefix:      prefix,
		cacheName:   prefix + "-" + version,
		origin:      &origin,
		concurrency: concurrency,
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		logger:      logger,
	}

	handle, err := opts.Store.Open(context.Background(), c.cacheName)
	if err != nil {
		return nil, err
	}
	c.cache = handle

	for _, entry := range opts.Manifest {
		target, err := c.resolve(entry)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		c.manifest = append(c.manifest, target)
	}
	shell, err := c.resolve(fallbackPage)
	if err != nil {
		return nil, fmt.Errorf("fallback page %q: %w", fallbackPage, err)
	}
	c.fallback = cache.GetKey(shell.String())

	return c, nil
}

func (c *Controller) Version() string { return c.version }

// CacheName 返回本版本拥有的缓存名称。
func (c *Controller) CacheName() string { return c.cacheName }

// Manifest 返回解析后的清单绝对地址。
func (c *Controller) Manifest() []string {
	out := make([]string, len(c.manifest))
	for i, u := range c.manifest {
		out[i] = u.String()
	}
	return out
}

// WaitStores 阻塞直到所有后台缓存写入完成。
func (c *Controller) WaitStores() {
	c.stores.Wait()
}

// resolve 把相对 Origin 的路径转换为绝对地址，与清单和缓存键使用同一规则。
func (c *Controller) resolve(ref string) (*url.URL, error) {
	rel, err := url.Parse(strings.TrimPrefix(strings.TrimSpace(ref), "/"))
	if err != nil {
		return nil, err
	}
	if rel.IsAbs() || rel.Host != "" {
		return nil, errors.New("must be relative to origin")
	}
	return c.origin.ResolveReference(rel), nil
}

func (c *Controller) fields(state string) logrus.Fields {
	fields := logging.LifecycleFields(c.origin.Path, c.version, state)
	fields["cache"] = c.cacheName
	return fields
}
