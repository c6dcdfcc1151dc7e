package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/blog-admin/swcache/internal/agent"
	"github.com/blog-admin/swcache/internal/cache"
	"github.com/blog-admin/swcache/internal/config"
	"github.com/blog-admin/swcache/internal/host"
	"github.com/blog-admin/swcache/internal/logging"
	"github.com/blog-admin/swcache/internal/metrics"
	"github.com/blog-admin/swcache/internal/proxy"
	"github.com/blog-admin/swcache/internal/server"
	"github.com/blog-admin/swcache/internal/server/routes"
	"github.com/blog-admin/swcache/internal/version"
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

const (
	metricsNamespace = "swcache"
	shutdownTimeout  = 10 * time.Second
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
		fields["agent_version"] = cfg.Agent.Version
		fields["assets"] = len(cfg.Agent.Assets)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 磁盘缓存 → 源站 → Host（恢复 + 部署）→ Fiber server，
	// 所有请求共享同一个 Host 与缓存实例。
	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化拦截层失败: %v\n", err)
		return 1
	}

	go rt.host.RunSweeper(ctx, sweepInterval(cfg.Global.ClientIdleTimeout.DurationValue()))
	watchConfig(opts.configPath, rt, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["agent_version"] = rt.host.Snapshot().Active
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := serve(ctx, rt, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("swcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SWCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SWCACHE_CONFIG")
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

// agentRuntime 聚合一次启动构造出的长生命周期组件。
type agentRuntime struct {
	app     *fiber.App
	host    *host.Host
	storage cache.Storage
	origin  string
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*agentRuntime, error) {
	storage, err := cache.NewStorage(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	recorder := metrics.NewProm(metricsNamespace)
	origin, err := proxy.NewOrigin(server.NewUpstreamClient(cfg), cfg.Global.Origin)
	if err != nil {
		return nil, err
	}

	h, err := host.New(host.Options{
		Storage:           storage,
		Network:           origin,
		Factory:           agentFactory(storage, origin, logger, recorder),
		Logger:            logger,
		Metrics:           recorder,
		StatePath:         cfg.Global.StatePath(),
		ClientIdleTimeout: cfg.Global.ClientIdleTimeout.DurationValue(),
	})
	if err != nil {
		return nil, err
	}

	if _, err := h.Restore(ctx); err != nil {
		logger.WithFields(logrus.Fields{"action": "restore", "path": cfg.Global.StatePath()}).
			WithError(err).Warn("restore_failed")
	}
	deploy(ctx, h, cfg.AgentSettings(), logger)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewHandler(h, origin.Base(), logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterAgentRoutes(app, h, storage)
	routes.RegisterMetricsRoute(app, recorder.Handler())

	return &agentRuntime{app: app, host: h, storage: storage, origin: cfg.Global.Origin}, nil
}

func agentFactory(storage cache.Storage, network agent.Network, logger *logrus.Logger, recorder metrics.Recorder) host.Factory {
	return func(settings agent.Settings) (*agent.Agent, error) {
		return agent.New(agent.Options{
			Settings: settings,
			Storage:  storage,
			Network:  network,
			Logger:   logger,
			Metrics:  recorder,
		})
	}
}

// deploy 安装失败不终止进程：已激活版本继续服务，没有激活版本时请求直接回源。
func deploy(ctx context.Context, h *host.Host, settings agent.Settings, logger *logrus.Logger) {
	if err := h.Deploy(ctx, settings); err != nil {
		var installErr *agent.InstallError
		fields := logrus.Fields{"action": "deploy", "version": settings.Version, "active": h.Snapshot().Active}
		if errors.As(err, &installErr) {
			fields["asset"] = installErr.Path
		}
		logger.WithFields(fields).WithError(err).Error("deploy_failed")
	}
}

// watchConfig 监听配置文件，[Agent] 版本变化时触发一次新的部署。
func watchConfig(path string, rt *agentRuntime, logger *logrus.Logger) {
	err := config.Watch(path, func(next *config.Config) {
		if next.Global.Origin != rt.origin {
			logger.WithFields(logrus.Fields{"action": "config_reload", "origin": next.Global.Origin}).
				Warn("origin_change_requires_restart")
			return
		}
		if next.Agent.Version == rt.host.Snapshot().Active {
			return
		}
		logger.WithFields(logrus.Fields{"action": "config_reload", "version": next.Agent.Version}).
			Info("agent_version_changed")
		// 部署可能需要下载整份 manifest，不阻塞文件监听回调。
		go deploy(context.Background(), rt.host, next.AgentSettings(), logger)
	}, func(err error) {
		logger.WithFields(logrus.Fields{"action": "config_reload"}).WithError(err).Warn("config_reload_rejected")
	})
	if err != nil {
		logger.WithFields(logrus.Fields{"action": "config_watch", "path": path}).
			WithError(err).Warn("config_watch_disabled")
	}
}

func serve(ctx context.Context, rt *agentRuntime, port int, logger *logrus.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- rt.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("server_shutdown_failed")
	}
	if err := rt.host.Drain(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("drain_timeout")
	}
	logger.WithFields(logrus.Fields{"action": "shutdown"}).Info("服务已停止")
	return nil
}

// sweepInterval 取空闲超时的四分之一，避免等待中的版本迟迟无法激活。
func sweepInterval(idle time.Duration) time.Duration {
	if idle <= 0 {
		return 0
	}
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
