package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"rpc-forwarder/config"
	"rpc-forwarder/internal/events"
	"rpc-forwarder/internal/logging"
	"rpc-forwarder/internal/middleware"
	"rpc-forwarder/internal/monitor"
	"rpc-forwarder/internal/proxy"
	"rpc-forwarder/internal/tracking"
	"rpc-forwarder/internal/transport"
	"rpc-forwarder/internal/tui"
	"rpc-forwarder/internal/web"
)

var (
	configPath  = flag.String("config", "config.yaml", "Path to configuration file")
	listenIP    = flag.String("listen-ip", "", "Listening IP address (overrides server.host)")
	listenPort  = flag.Int("listen-port", 0, "Listening port (overrides server.port)")
	showVersion = flag.Bool("version", false, "Show version information")
	enableTUI   = flag.Bool("tui", false, "Enable TUI interface")
	disableTUI  = flag.Bool("no-tui", false, "Disable TUI interface")
	enableWeb   = flag.Bool("web", false, "Enable Web interface")
	webPort     = flag.Int("web-port", 0, "Web interface port (overrides web.port)")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	startTime = time.Now()
)

const statsInterval = 30 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("JSON-RPC Forwarder\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// Setup initial logger (will be replaced once config is loaded)
	logger, _ := logging.Setup(config.LoggingConfig{Level: "info"}, os.Stdout)
	slog.SetDefault(logger)

	configWatcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()

	// Command line flags override config file
	if *listenIP != "" {
		cfg.Server.Host = *listenIP
	}
	if *listenPort != 0 {
		cfg.Server.Port = *listenPort
	}
	if *enableWeb {
		cfg.Web.Enabled = true
	}
	if *webPort != 0 {
		cfg.Web.Port = *webPort
	}
	tuiEnabled := cfg.TUI.Enabled
	if *enableTUI {
		tuiEnabled = true
	}
	if *disableTUI {
		tuiEnabled = false
	}

	logger, logHandler := logging.Setup(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	configWatcher.UpdateLogger(logger)
	defer logHandler.Close()

	logger.Info("🚀 JSON-RPC Forwarder 启动中...",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config_file", *configPath,
		"routes_count", len(cfg.Routes),
		"endpoints_count", cfg.EndpointCount())
	cfg.WarnDuplicateMethods(logger)

	if cfg.Proxy.Enabled {
		logger.Info("🔗 " + transport.GetProxyInfo(cfg))
	} else {
		logger.Info("🔗 代理未启用，将直接连接目标端点")
	}

	eventBus := events.NewEventBus(logger, cfg.Events.BufferSize)
	if err := eventBus.Start(); err != nil {
		logger.Error(fmt.Sprintf("❌ EventBus启动失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := eventBus.Stop(); err != nil {
			logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
		}
	}()

	configWatcher.AddChangeCallback(func(newCfg *config.Config, err error) {
		data := map[string]interface{}{
			"valid":       err == nil,
			"config_file": *configPath,
		}
		if err != nil {
			data["error"] = err.Error()
		} else {
			data["routes_count"] = len(newCfg.Routes)
			data["endpoints_count"] = newCfg.EndpointCount()
		}
		eventBus.Publish(events.Event{
			Type:     events.EventConfigChanged,
			Source:   "config_watcher",
			Priority: events.PriorityHigh,
			Data:     data,
		})
	})

	httpTransport, err := transport.CreateTransport(cfg)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 创建HTTP传输失败: %v", err))
		os.Exit(1)
	}
	client := transport.NewClient(httpTransport)

	metrics := monitor.NewMetrics()

	dispatcher := proxy.NewDispatcher(cfg, client, metrics, logger,
		proxy.WithSlowThreshold(cfg.SlowRequestThreshold),
		proxy.WithEndpointHealthHook(func(name string, healthy bool, lastErr string) {
			eventType := events.EventEndpointHealthy
			if !healthy {
				eventType = events.EventEndpointUnhealthy
			}
			eventBus.Publish(events.Event{
				Type:     eventType,
				Source:   "endpoint",
				Priority: events.PriorityHigh,
				Data: map[string]interface{}{
					"endpoint":   name,
					"healthy":    healthy,
					"last_error": lastErr,
				},
			})
		}),
	)

	tracker, err := tracking.NewRequestTracker(&cfg.UsageTracking, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 请求跟踪器初始化失败: %v", err))
		os.Exit(1)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Error(fmt.Sprintf("❌ 请求跟踪器关闭失败: %v", err))
		}
	}()

	proxyHandler := proxy.NewHandler(dispatcher, logger)
	proxyHandler.SetRequestRecorder(tracker)
	proxyHandler.SetEventBus(eventBus)

	loggingMiddleware := middleware.NewLoggingMiddleware(logger)
	monitoringMiddleware := middleware.NewMonitoringMiddleware(dispatcher, metrics)
	monitoringMiddleware.SetEventBus(eventBus)
	monitoringMiddleware.SetTracker(tracker)

	statsCtx, stopStats := context.WithCancel(context.Background())
	defer stopStats()
	monitoringMiddleware.StartStatsLoop(statsCtx, statsInterval)

	mux := http.NewServeMux()
	monitoringMiddleware.RegisterHealthEndpoint(mux)
	mux.Handle("/", loggingMiddleware.Wrap(proxyHandler))

	server := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:     mux,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("🌐 HTTP 服务器启动中...", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Give server a moment to start
	time.Sleep(100 * time.Millisecond)

	select {
	case err := <-serverErr:
		logger.Error(fmt.Sprintf("❌ 服务器启动失败: %v", err))
		os.Exit(1)
	default:
		logger.Info("✅ 服务器启动成功！")
		logger.Info("📡 服务器地址: http://" + server.Addr)
		logger.Info("📈 Prometheus指标: http://" + server.Addr + "/metrics")
	}

	var webServer *web.WebServer
	if cfg.Web.Enabled {
		webServer = web.NewWebServer(cfg, dispatcher, metrics, tracker, logger, startTime, *configPath, eventBus)
		if err := webServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
			webServer = nil
		}
	}

	if tuiEnabled {
		tuiApp := tui.NewTUIApp(cfg, dispatcher, metrics, startTime, *configPath)
		logHandler.SetSink(tuiApp)

		tuiErr := make(chan error, 1)
		go func() {
			tuiErr <- tuiApp.Run()
		}()

		select {
		case err := <-serverErr:
			tuiApp.Stop()
			logHandler.SetSink(nil)
			logger.Error(fmt.Sprintf("❌ 服务器运行时错误(在TUI模式): %v", err))
			os.Exit(1)
		case err := <-tuiErr:
			logHandler.SetSink(nil)
			logger.Info("📱 TUI界面已关闭")
			if err != nil {
				logger.Error(fmt.Sprintf("TUI运行错误: %v", err))
			}
		}
	} else {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErr:
			logger.Error(fmt.Sprintf("❌ 服务器运行时错误: %v", err))
			os.Exit(1)
		case sig := <-interrupt:
			logger.Info(fmt.Sprintf("📡 收到终止信号，开始优雅关闭... - 信号: %v", sig))
		}
	}

	logger.Info("🛑 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if webServer != nil {
		if err := webServer.Stop(ctx); err != nil {
			logger.Error(fmt.Sprintf("❌ Web服务器关闭失败: %v", err))
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error(fmt.Sprintf("❌ 服务器关闭失败: %v", err))
	} else {
		logger.Info("✅ 服务器已安全关闭")
	}

	if err := tracker.ForceFlush(ctx); err != nil {
		logger.Warn(fmt.Sprintf("⚠️ 请求记录刷新失败: %v", err))
	}
}
