package web

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType 前端事件类别
type EventType string

const (
	EventTypeStatus     EventType = "status"     // 服务状态更新
	EventTypeRequest    EventType = "request"    // 请求完成 / 慢请求
	EventTypeEndpoint   EventType = "endpoint"   // 端点健康变化
	EventTypeConfig     EventType = "config"     // 配置文件变化
	EventTypeConnection EventType = "connection" // SSE连接确认
)

// Event 表示一个SSE事件
type Event struct {
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Client 表示一个SSE客户端连接
type Client struct {
	ID      string
	Channel chan Event
	Filter  map[EventType]bool

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastSeen)
}

// EventManager 管理SSE连接和事件广播，实现 events.SSEBroadcaster
type EventManager struct {
	clients map[string]*Client
	mu      sync.RWMutex
	logger  *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	broadcast chan Event
	closed    atomic.Bool

	idleTimeout time.Duration
}

// NewEventManager 创建新的事件管理器
func NewEventManager(logger *slog.Logger) *EventManager {
	ctx, cancel := context.WithCancel(context.Background())

	em := &EventManager{
		clients:     make(map[string]*Client),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		broadcast:   make(chan Event, 1000),
		idleTimeout: 2 * time.Minute,
	}

	go em.broadcastLoop()
	go em.cleanupLoop()

	return em
}

// DefaultFilter 未指定 events 参数时订阅的事件
func DefaultFilter() map[EventType]bool {
	return map[EventType]bool{
		EventTypeStatus:   true,
		EventTypeRequest:  true,
		EventTypeEndpoint: true,
		EventTypeConfig:   true,
	}
}

// AddClient 添加新的SSE客户端
func (em *EventManager) AddClient(clientID string, filter map[EventType]bool) *Client {
	if filter == nil {
		filter = DefaultFilter()
	}

	client := &Client{
		ID:       clientID,
		Channel:  make(chan Event, 100),
		Filter:   filter,
		lastSeen: time.Now(),
	}

	em.mu.Lock()
	if old, exists := em.clients[clientID]; exists {
		close(old.Channel)
	}
	em.clients[clientID] = client
	total := len(em.clients)
	em.mu.Unlock()

	em.logger.Debug("SSE客户端已连接", "client_id", clientID, "total_clients", total)
	return client
}

// RemoveClient 移除SSE客户端；同ID的新连接已替换它时不做处理
func (em *EventManager) RemoveClient(client *Client) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if current, exists := em.clients[client.ID]; exists && current == client {
		close(client.Channel)
		delete(em.clients, client.ID)
		em.logger.Debug("SSE客户端已断开", "client_id", client.ID, "total_clients", len(em.clients))
	}
}

// BroadcastEvent 由事件总线调用，eventType 为前端类别
func (em *EventManager) BroadcastEvent(eventType string, data map[string]interface{}) {
	if em.closed.Load() {
		return
	}

	event := Event{
		Type:      EventType(eventType),
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case em.broadcast <- event:
	default:
		em.logger.Warn("广播通道已满，跳过事件", "event_type", eventType)
	}
}

// IsEventManagerActive 没有客户端时事件总线不必转发
func (em *EventManager) IsEventManagerActive() bool {
	return !em.closed.Load() && em.GetClientCount() > 0
}

func (em *EventManager) broadcastLoop() {
	for {
		select {
		case event := <-em.broadcast:
			em.deliver(event)
		case <-em.ctx.Done():
			return
		}
	}
}

// deliver 非阻塞投递，缓冲已满的客户端丢弃该事件
func (em *EventManager) deliver(event Event) {
	em.mu.RLock()
	defer em.mu.RUnlock()

	for _, client := range em.clients {
		if !client.Filter[event.Type] {
			continue
		}
		select {
		case client.Channel <- event:
		default:
			em.logger.Debug("SSE客户端缓冲已满，跳过事件", "client_id", client.ID, "event_type", event.Type)
		}
	}
}

// GetClientCount 获取当前客户端数量
func (em *EventManager) GetClientCount() int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return len(em.clients)
}

func (em *EventManager) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			em.cleanupInactiveClients(time.Now())
		case <-em.ctx.Done():
			return
		}
	}
}

func (em *EventManager) cleanupInactiveClients(now time.Time) int {
	em.mu.Lock()
	defer em.mu.Unlock()

	removed := 0
	for clientID, client := range em.clients {
		if client.idleFor(now) > em.idleTimeout {
			close(client.Channel)
			delete(em.clients, clientID)
			removed++
			em.logger.Debug("清理不活跃的SSE客户端", "client_id", clientID)
		}
	}
	return removed
}

// Stop 停止事件管理器，关闭所有客户端通道
func (em *EventManager) Stop() {
	if !em.closed.CompareAndSwap(false, true) {
		return
	}

	em.logger.Info("⏹️ 正在停止SSE事件管理器...")
	em.cancel()

	em.mu.Lock()
	for clientID, client := range em.clients {
		close(client.Channel)
		delete(em.clients, clientID)
	}
	em.mu.Unlock()

	em.logger.Info("✅ SSE事件管理器已停止")
}
