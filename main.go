package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/order-cache/internal/cache"
	"github.com/any-hub/order-cache/internal/config"
	"github.com/any-hub/order-cache/internal/lifecycle"
	"github.com/any-hub/order-cache/internal/logging"
	"github.com/any-hub/order-cache/internal/proxy"
	"github.com/any-hub/order-cache/internal/server"
	"github.com/any-hub/order-cache/internal/server/routes"
	"github.com/any-hub/order-cache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Global.Origin
		fields["cache"] = cfg.Cache.CacheName()
		fields["manifest_entries"] = len(cfg.Cache.Manifest)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	origin, err := url.Parse(cfg.Global.Origin)
	if err != nil {
		fmt.Fprintf(stdErr, "解析 Origin 失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → 磁盘缓存 → 控制器注册 → Fiber server，
	// 所有请求共享同一个 Registration 与缓存实例。
	store, err := cache.NewStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	container := lifecycle.NewContainer(logger)
	roll := newRollout(cfg, origin, store, httpClient, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := roll.start(ctx, container, cfg.Cache)
	if err != nil {
		fmt.Fprintf(stdErr, "注册缓存控制器失败: %v\n", err)
		return 1
	}

	if err := config.Watch(opts.configPath, func(next *config.Config, err error) {
		roll.apply(ctx, next, err)
	}); err != nil {
		logger.WithFields(logging.BaseFields("config_watch", opts.configPath)).
			WithError(err).
			Warn("配置热更新不可用")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Global.Origin
	fields["scope"] = reg.Scope()
	fields["cache"] = cfg.Cache.CacheName()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	proxyHandler := proxy.NewHandler(httpClient, logger, reg, origin)
	err = startHTTPServer(ctx, cfg, container, store, roll, proxyHandler, logger)
	roll.waitStores()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("order-cache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ORDER_CACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ORDER_CACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	container *lifecycle.Container,
	store cache.Storage,
	roll *rollout,
	proxyHandler server.ProxyHandler,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterLifecycleRoutes(app, routes.LifecycleOptions{
		Container:   container,
		Scope:       cfg.Global.Scope,
		CachePrefix: cfg.Cache.Prefix,
		Store:       store,
		Handler:     roll.handler,
		Logger:      logger,
	})

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
