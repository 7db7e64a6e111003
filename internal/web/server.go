package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"rpc-forwarder/config"
	"rpc-forwarder/internal/events"
	"rpc-forwarder/internal/monitor"
	"rpc-forwarder/internal/proxy"
	"rpc-forwarder/internal/tracking"

	"github.com/gin-gonic/gin"
)

// WebServer represents the Web admin server
type WebServer struct {
	server       *http.Server
	engine       *gin.Engine
	logger       *slog.Logger
	config       *config.Config
	dispatcher   *proxy.Dispatcher
	metrics      *monitor.Metrics
	tracker      *tracking.RequestTracker
	eventBus     events.EventBus
	eventManager *EventManager
	startTime    time.Time
	configPath   string
}

// NewWebServer creates a new Web admin server. When eventBus is non-nil the
// server registers itself as the bus's SSE broadcaster.
func NewWebServer(cfg *config.Config, dispatcher *proxy.Dispatcher, metrics *monitor.Metrics, tracker *tracking.RequestTracker, logger *slog.Logger, startTime time.Time, configPath string, eventBus events.EventBus) *WebServer {
	if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	ws := &WebServer{
		engine:       engine,
		logger:       logger,
		config:       cfg,
		dispatcher:   dispatcher,
		metrics:      metrics,
		tracker:      tracker,
		eventBus:     eventBus,
		eventManager: NewEventManager(logger),
		startTime:    startTime,
		configPath:   configPath,
	}

	if eventBus != nil {
		eventBus.SetSSEBroadcaster(ws.eventManager)
	}

	ws.setupRoutes()
	return ws
}

// Handler exposes the gin engine, mainly for tests
func (ws *WebServer) Handler() http.Handler {
	return ws.engine
}

// EventManager returns the SSE fan-out
func (ws *WebServer) EventManager() *EventManager {
	return ws.eventManager
}

// Start 启动Web服务器，监听失败时返回错误
func (ws *WebServer) Start() error {
	addr := net.JoinHostPort(ws.config.Web.Host, strconv.Itoa(ws.config.Web.Port))

	ws.server = &http.Server{
		Addr:         addr,
		Handler:      ws.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE连接需要禁用写入超时
		IdleTimeout:  300 * time.Second,
	}

	ws.logger.Info(fmt.Sprintf("🌐 Web界面启动中... - 地址: %s", addr))

	serverErr := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		ws.logger.Error(fmt.Sprintf("❌ Web服务器启动失败: %v", err))
		return fmt.Errorf("web server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	ws.logger.Info(fmt.Sprintf("✅ Web界面启动成功！访问地址: http://%s", addr))
	return nil
}

// Stop 优雅关闭Web服务器
func (ws *WebServer) Stop(ctx context.Context) error {
	ws.eventManager.Stop()

	if ws.server == nil {
		return nil
	}

	ws.logger.Info("🛑 正在关闭Web服务器...")
	err := ws.server.Shutdown(ctx)
	if err != nil {
		ws.logger.Error(fmt.Sprintf("❌ Web服务器关闭失败: %v", err))
	} else {
		ws.logger.Info("✅ Web服务器已安全关闭")
	}
	return err
}

func (ws *WebServer) setupRoutes() {
	ws.engine.GET("/", ws.handleIndex)
	ws.engine.GET("/health", ws.handleHealth)

	api := ws.engine.Group("/api/v1")
	{
		api.GET("/status", ws.handleStatus)
		api.GET("/routes", ws.handleRoutes)
		api.GET("/requests", ws.handleRequests)
		api.GET("/summary", ws.handleSummary)
		api.GET("/events", ws.handleSSE)

		api.GET("/chart/request-trends", ws.handleRequestTrends)
		api.GET("/chart/response-times", ws.handleResponseTimes)
	}
}

// ginLoggerMiddleware 把gin请求日志接入slog
func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if path == "/favicon.ico" {
			return
		}
		if raw != "" {
			path = path + "?" + raw
		}

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		msg := fmt.Sprintf("🌐 Web请求 %s %s %d %v %s", c.Request.Method, path, statusCode, latency, c.ClientIP())
		if statusCode >= 400 {
			logger.Warn(msg)
		} else {
			logger.Debug(msg)
		}
	}
}
