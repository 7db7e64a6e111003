package events

import "time"

// 事件类型枚举
type EventType string

const (
	// 请求事件
	EventRequestCompleted EventType = "request_completed"
	EventSlowRequest      EventType = "slow_request"

	// 端点状态事件
	EventEndpointHealthy   EventType = "endpoint_healthy"
	EventEndpointUnhealthy EventType = "endpoint_unhealthy"

	// 系统级事件
	EventSystemError        EventType = "system_error"
	EventSystemStatsUpdated EventType = "system_stats_updated"
	EventConfigChanged      EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow      EventPriority = iota // 批量处理，如统计数据
	PriorityNormal                        // 延迟处理，如请求完成
	PriorityHigh                          // 立即处理，如健康状态变化
	PriorityCritical                      // 紧急处理，如系统错误
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
}

// 前端事件类型映射
var EventTypeMapping = map[EventType]string{
	EventRequestCompleted:   "request",
	EventSlowRequest:        "request",
	EventEndpointHealthy:    "endpoint",
	EventEndpointUnhealthy:  "endpoint",
	EventSystemError:        "status",
	EventSystemStatsUpdated: "status",
	EventConfigChanged:      "config",
}
