package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EventBus 接口
type EventBus interface {
	// 发布事件，永不阻塞
	Publish(event Event)

	// 设置 SSE 推送器
	SetSSEBroadcaster(broadcaster SSEBroadcaster)

	Start() error
	Stop() error

	GetStats() BusStats
}

// SSE 广播器接口
type SSEBroadcaster interface {
	BroadcastEvent(eventType string, data map[string]interface{})
	IsEventManagerActive() bool
}

// 事件过滤器
type EventFilter struct {
	// 是否推送给 SSE
	ShouldBroadcast func(event Event) bool

	// 最小推送间隔，0 表示不限制
	RateLimit time.Duration
}

// 统计信息
type BusStats struct {
	TotalEvents      int64                   `json:"total_events"`
	ProcessedEvents  int64                   `json:"processed_events"`
	DroppedEvents    int64                   `json:"dropped_events"`
	RateLimited      int64                   `json:"rate_limited"`
	EventsByType     map[EventType]int64     `json:"events_by_type"`
	EventsByPriority map[EventPriority]int64 `json:"events_by_priority"`
	StartTime        time.Time               `json:"start_time"`
}

type eventBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	eventChan chan Event

	broadcasterMu  sync.RWMutex
	sseBroadcaster SSEBroadcaster

	filters  map[EventType]EventFilter
	limiters map[EventType]*rate.Limiter

	stats   BusStats
	statsMu sync.RWMutex

	// runMu guards running and the channel close in Stop against Publish
	runMu   sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// NewEventBus 创建新的EventBus实例
func NewEventBus(logger *slog.Logger, bufferSize int) EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())

	bus := &eventBus{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		eventChan: make(chan Event, bufferSize),
		filters:   make(map[EventType]EventFilter),
		limiters:  make(map[EventType]*rate.Limiter),
		stats: BusStats{
			EventsByType:     make(map[EventType]int64),
			EventsByPriority: make(map[EventPriority]int64),
			StartTime:        time.Now(),
		},
	}

	bus.setupDefaultFilters()

	return bus
}

func (eb *eventBus) setupDefaultFilters() {
	always := func(Event) bool { return true }

	// 请求完成事件 - 高频率，限制推送
	eb.filters[EventRequestCompleted] = EventFilter{ShouldBroadcast: always, RateLimit: 100 * time.Millisecond}
	// 慢请求 - 重要，但避免刷屏
	eb.filters[EventSlowRequest] = EventFilter{ShouldBroadcast: always, RateLimit: 500 * time.Millisecond}

	// 端点状态事件 - 关键事件，立即推送
	eb.filters[EventEndpointHealthy] = EventFilter{ShouldBroadcast: always}
	eb.filters[EventEndpointUnhealthy] = EventFilter{ShouldBroadcast: always}

	eb.filters[EventSystemError] = EventFilter{ShouldBroadcast: always}
	eb.filters[EventSystemStatsUpdated] = EventFilter{ShouldBroadcast: always, RateLimit: 5 * time.Second}
	eb.filters[EventConfigChanged] = EventFilter{ShouldBroadcast: always}

	for eventType, filter := range eb.filters {
		if filter.RateLimit > 0 {
			eb.limiters[eventType] = rate.NewLimiter(rate.Every(filter.RateLimit), 1)
		}
	}
}

// Publish 发布事件
func (eb *eventBus) Publish(event Event) {
	eb.runMu.RLock()
	defer eb.runMu.RUnlock()

	if !eb.running {
		eb.logger.Debug("EventBus not running, dropping event", "type", event.Type)
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.updateStats(event, "total")

	select {
	case eb.eventChan <- event:
	default:
		eb.updateStats(event, "dropped")
		eb.logger.Warn("EventBus buffer full, dropping event", "type", event.Type, "source", event.Source)
	}
}

// SetSSEBroadcaster 设置SSE广播器
func (eb *eventBus) SetSSEBroadcaster(broadcaster SSEBroadcaster) {
	eb.broadcasterMu.Lock()
	defer eb.broadcasterMu.Unlock()
	eb.sseBroadcaster = broadcaster
}

// Start 启动EventBus
func (eb *eventBus) Start() error {
	eb.runMu.Lock()
	defer eb.runMu.Unlock()

	if eb.running {
		return nil
	}

	eb.running = true
	eb.wg.Add(1)
	go eb.eventProcessor()

	eb.logger.Debug("EventBus started")
	return nil
}

// Stop 停止EventBus，缓冲区中剩余的事件会被处理完
func (eb *eventBus) Stop() error {
	eb.runMu.Lock()
	if !eb.running {
		eb.runMu.Unlock()
		return nil
	}
	eb.running = false
	close(eb.eventChan)
	eb.runMu.Unlock()

	eb.wg.Wait()
	eb.cancel()

	eb.logger.Debug("EventBus stopped")
	return nil
}

// GetStats 获取统计信息
func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	defer eb.statsMu.RUnlock()

	stats := eb.stats
	stats.EventsByType = make(map[EventType]int64, len(eb.stats.EventsByType))
	stats.EventsByPriority = make(map[EventPriority]int64, len(eb.stats.EventsByPriority))
	for k, v := range eb.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range eb.stats.EventsByPriority {
		stats.EventsByPriority[k] = v
	}
	return stats
}

func (eb *eventBus) eventProcessor() {
	defer eb.wg.Done()

	for event := range eb.eventChan {
		eb.processEvent(event)
	}
}

func (eb *eventBus) processEvent(event Event) {
	eb.updateStats(event, "processed")

	filter, exists := eb.filters[event.Type]
	if !exists {
		eb.logger.Debug("No filter for event type", "type", event.Type)
		return
	}

	if !filter.ShouldBroadcast(event) {
		return
	}

	if limiter, exists := eb.limiters[event.Type]; exists && !limiter.Allow() {
		eb.updateStats(event, "rate_limited")
		return
	}

	eb.broadcasterMu.RLock()
	broadcaster := eb.sseBroadcaster
	eb.broadcasterMu.RUnlock()

	if broadcaster == nil || !broadcaster.IsEventManagerActive() {
		return
	}

	frontendEventType, exists := EventTypeMapping[event.Type]
	if !exists {
		eb.logger.Warn("No frontend mapping for event type", "type", event.Type)
		return
	}

	data := make(map[string]interface{}, len(event.Data)+2)
	for k, v := range event.Data {
		data[k] = v
	}
	data["event"] = string(event.Type)
	data["timestamp"] = event.Timestamp.Format("2006-01-02 15:04:05")

	broadcaster.BroadcastEvent(frontendEventType, data)
}

func (eb *eventBus) updateStats(event Event, statType string) {
	eb.statsMu.Lock()
	defer eb.statsMu.Unlock()

	switch statType {
	case "total":
		eb.stats.TotalEvents++
		eb.stats.EventsByType[event.Type]++
		eb.stats.EventsByPriority[event.Priority]++
	case "processed":
		eb.stats.ProcessedEvents++
	case "dropped":
		eb.stats.DroppedEvents++
	case "rate_limited":
		eb.stats.RateLimited++
	}
}
