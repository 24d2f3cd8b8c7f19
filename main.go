package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"near-forwarder/config"
	"near-forwarder/internal/endpoint"
	"near-forwarder/internal/events"
	"near-forwarder/internal/near"
	"near-forwarder/internal/rpc"
	"near-forwarder/internal/tracking"
	"near-forwarder/internal/web"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var (
	configPath  = flag.String("config", "config/example.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	webPort     = flag.Int("web-port", 0, "Override web interface port")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("near-forwarder %s (built %s)\n", version, buildDate)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *webPort > 0 {
		cfg.Web.Port = *webPort
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info(fmt.Sprintf("🚀 near-forwarder %s 启动中 (配置: %s)", version, *configPath))

	// 事件总线
	bus := events.NewBus(logger)
	if err := bus.Start(); err != nil {
		slog.Error(fmt.Sprintf("❌ 事件总线启动失败: %v", err))
		os.Exit(1)
	}

	// 端点池与RPC客户端
	pool := endpoint.NewPool(cfg)
	transport, err := rpc.NewHTTPTransport(cfg)
	if err != nil {
		slog.Error(fmt.Sprintf("❌ HTTP传输层初始化失败: %v", err))
		os.Exit(1)
	}
	rpcClient := rpc.NewClient(cfg, pool, transport, logger)
	rpcClient.SetEventBus(bus)
	nearClient := near.NewClient(rpcClient, logger)

	// 交易记录持久化
	tracker, err := tracking.NewTracker(&cfg.Tracking, cfg.Timezone)
	if err != nil {
		slog.Error(fmt.Sprintf("❌ 交易跟踪器初始化失败: %v", err))
		os.Exit(1)
	}

	// 交易提交器
	submitter := near.NewSubmitter(cfg, nearClient, logger)
	submitter.SetTracker(tracker)
	submitter.SetEventBus(bus)

	// 启动时探测链头，尽早暴露网络或配置问题
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if block, err := nearClient.Block(probeCtx); err != nil {
		slog.Warn(fmt.Sprintf("⚠️ 链头探测失败，服务继续启动: %v", err))
	} else {
		slog.Info(fmt.Sprintf("⛓️ 链头高度 %d (出块人: %s)", block.Header.Height, block.Author))
	}
	probeCancel()

	// 管理接口
	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(cfg, pool, submitter, tracker, bus, logger)
		if err := webServer.Start(); err != nil {
			slog.Error(fmt.Sprintf("❌ 管理接口启动失败: %v", err))
			os.Exit(1)
		}
	}

	// 配置热更新：端点列表变更实时生效
	watcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		slog.Warn(fmt.Sprintf("⚠️ 配置监听器启动失败，热更新不可用: %v", err))
	} else {
		watcher.AddReloadCallback(func(newCfg *config.Config) {
			pool.UpdateConfig(newCfg)
			bus.Publish(events.Event{
				Type:     events.EventConfigChanged,
				Source:   "config_watcher",
				Priority: events.PriorityHigh,
				Data:     map[string]interface{}{"endpoints": len(newCfg.RPC.Endpoints)},
			})
		})
		defer watcher.Close()
	}

	slog.Info("✅ near-forwarder 已就绪")

	// 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info(fmt.Sprintf("🛑 收到信号 %s，开始优雅关闭", sig))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if webServer != nil {
		if err := webServer.Stop(shutdownCtx); err != nil {
			slog.Warn(fmt.Sprintf("⚠️ 管理接口关闭异常: %v", err))
		}
	}
	tracker.Stop()
	if err := bus.Stop(); err != nil {
		slog.Warn(fmt.Sprintf("⚠️ 事件总线关闭异常: %v", err))
	}

	slog.Info("👋 near-forwarder 已退出")
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
