package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rpc-forwarder/config"
)

// OutcomeSuccess 成功请求的outcome取值，其余取值均计为失败
const OutcomeSuccess = "success"

// RequestRecord 单个转发请求的持久化记录
type RequestRecord struct {
	ID             int64         `json:"id,omitempty"`
	RequestID      string        `json:"request_id"`
	Method         string        `json:"method"`
	RPCID          string        `json:"rpc_id"`
	RouteIndex     int           `json:"route_index"`
	Endpoint       string        `json:"endpoint"`
	Outcome        string        `json:"outcome"`
	ErrorCode      int           `json:"error_code,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Attempts       int           `json:"attempts"`
	EndpointsTried int           `json:"endpoints_tried"`
	Duration       time.Duration `json:"duration"`
	ClientIP       string        `json:"client_ip,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// RequestTracker 请求跟踪器
// 记录通过有缓冲通道异步写入，批量落库，不阻塞转发路径
type RequestTracker struct {
	config  *config.UsageTrackingConfig
	adapter DatabaseAdapter
	logger  *slog.Logger

	records chan RequestRecord
	flushCh chan chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	written atomic.Int64
}

// NewRequestTracker 创建请求跟踪器，未启用时返回空操作的跟踪器
func NewRequestTracker(cfg *config.UsageTrackingConfig, logger *slog.Logger) (*RequestTracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil || !cfg.Enabled {
		return &RequestTracker{config: cfg, logger: logger}, nil
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}

	adapter, err := NewDatabaseAdapter(buildDatabaseConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create database adapter: %w", err)
	}
	if err := adapter.Open(); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()
	if err := adapter.InitSchema(initCtx); err != nil {
		adapter.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &RequestTracker{
		config:  cfg,
		adapter: adapter,
		logger:  logger,
		records: make(chan RequestRecord, cfg.BufferSize),
		flushCh: make(chan chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	rt.wg.Add(2)
	go rt.processRecords()
	go rt.periodicCleanup()

	logger.Info("✅ 请求跟踪器初始化完成",
		"database_type", adapter.GetDatabaseType(),
		"buffer_size", cfg.BufferSize,
		"batch_size", cfg.BatchSize)

	return rt, nil
}

func buildDatabaseConfig(cfg *config.UsageTrackingConfig) DatabaseConfig {
	if cfg.Database == nil {
		return DatabaseConfig{Type: "sqlite"}
	}
	db := cfg.Database
	return DatabaseConfig{
		Type:            db.Type,
		Path:            db.Path,
		Host:            db.Host,
		Port:            db.Port,
		Database:        db.Database,
		Username:        db.Username,
		Password:        db.Password,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		Charset:         db.Charset,
		Timezone:        db.Timezone,
	}
}

// Enabled 跟踪器是否在落库
func (rt *RequestTracker) Enabled() bool {
	return rt != nil && rt.adapter != nil
}

// Record 提交一条请求记录，缓冲区满时丢弃并计数
func (rt *RequestTracker) Record(rec RequestRecord) {
	if !rt.Enabled() {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if rt.closed {
		return
	}

	select {
	case rt.records <- rec:
	default:
		n := rt.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			rt.logger.Warn("⚠️ 请求跟踪缓冲区已满，记录被丢弃",
				"request_id", rec.RequestID,
				"dropped_total", n)
		}
	}
}

// DroppedCount 因缓冲区满被丢弃的记录数
func (rt *RequestTracker) DroppedCount() int64 {
	if rt == nil {
		return 0
	}
	return rt.dropped.Load()
}

// WrittenCount 已成功落库的记录数
func (rt *RequestTracker) WrittenCount() int64 {
	if rt == nil {
		return 0
	}
	return rt.written.Load()
}

// ForceFlush 把缓冲区中的记录立即写入数据库
func (rt *RequestTracker) ForceFlush(ctx context.Context) error {
	if !rt.Enabled() {
		return nil
	}
	done := make(chan struct{})
	select {
	case rt.flushCh <- done:
	case <-rt.ctx.Done():
		return fmt.Errorf("request tracker closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck 检查数据库连接和缓冲区状态
func (rt *RequestTracker) HealthCheck(ctx context.Context) error {
	if !rt.Enabled() {
		return nil
	}

	select {
	case <-rt.ctx.Done():
		return fmt.Errorf("request tracker closed")
	default:
	}

	if err := rt.adapter.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := rt.adapter.GetDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM request_logs WHERE 1=0").Scan(&count); err != nil {
		return fmt.Errorf("database query test failed: %w", err)
	}

	load := float64(len(rt.records)) / float64(cap(rt.records)) * 100
	if load > 90 {
		return fmt.Errorf("record buffer overloaded: %.1f%% capacity used", load)
	}
	return nil
}

// Stats 跟踪器运行状态
func (rt *RequestTracker) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"enabled": rt.Enabled(),
	}
	if !rt.Enabled() {
		return stats
	}
	stats["database_type"] = rt.adapter.GetDatabaseType()
	stats["buffered"] = len(rt.records)
	stats["buffer_size"] = cap(rt.records)
	stats["written"] = rt.written.Load()
	stats["dropped"] = rt.dropped.Load()
	stats["connections"] = rt.adapter.GetConnectionStats()
	return stats
}

// Close 写出剩余记录并关闭数据库
func (rt *RequestTracker) Close() error {
	if !rt.Enabled() {
		return nil
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	rt.logger.Info("🛑 正在关闭请求跟踪器...")
	rt.cancel()
	rt.wg.Wait()

	if err := rt.adapter.Close(); err != nil {
		return fmt.Errorf("failed to close database adapter: %w", err)
	}

	rt.logger.Info("✅ 请求跟踪器关闭完成", "written", rt.written.Load(), "dropped", rt.dropped.Load())
	return nil
}
