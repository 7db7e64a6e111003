package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"rpc-forwarder/internal/events"
	"rpc-forwarder/internal/monitor"
	"rpc-forwarder/internal/proxy"
	"rpc-forwarder/internal/utils"
)

// TrackerHealth is the part of the request tracker the health endpoints need.
type TrackerHealth interface {
	Enabled() bool
	HealthCheck(ctx context.Context) error
	Stats() map[string]interface{}
}

// MonitoringMiddleware provides health and metrics endpoints
type MonitoringMiddleware struct {
	dispatcher *proxy.Dispatcher
	metrics    *monitor.Metrics
	tracker    TrackerHealth
	eventBus   events.EventBus
}

// NewMonitoringMiddleware creates a new monitoring middleware
func NewMonitoringMiddleware(dispatcher *proxy.Dispatcher, metrics *monitor.Metrics) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

// SetEventBus 设置EventBus事件总线
func (mm *MonitoringMiddleware) SetEventBus(eventBus events.EventBus) {
	mm.eventBus = eventBus
}

// SetTracker 设置请求跟踪器，用于 /health/tracking
func (mm *MonitoringMiddleware) SetTracker(tracker TrackerHealth) {
	mm.tracker = tracker
}

// HealthResponse represents the detailed health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Routes    int              `json:"routes"`
	Endpoints []EndpointHealth `json:"endpoints"`
}

// EndpointHealth represents the passive health status of an endpoint
type EndpointHealth struct {
	Route            int    `json:"route"`
	Name             string `json:"name"`
	URL              string `json:"url"`
	Healthy          bool   `json:"healthy"`
	NeverUsed        bool   `json:"never_used"`
	ResponseTimeMs   int64  `json:"response_time_ms"`
	LastUsed         string `json:"last_used,omitempty"`
	ConsecutiveFails int    `json:"consecutive_fails"`
	Retries          int    `json:"retries"`
	TimeoutMs        int64  `json:"timeout_ms"`
}

// RegisterHealthEndpoint registers health check and metrics endpoints
func (mm *MonitoringMiddleware) RegisterHealthEndpoint(mux *http.ServeMux) {
	mux.HandleFunc("/health", mm.handleHealth)
	mux.HandleFunc("/health/detailed", mm.handleDetailedHealth)
	mux.HandleFunc("/health/tracking", mm.handleTrackingHealth)
	mux.Handle("/metrics", mm.metrics.Handler())
}

func (mm *MonitoringMiddleware) endpointHealth() ([]EndpointHealth, int) {
	var (
		list    []EndpointHealth
		healthy int
	)
	for r, route := range mm.dispatcher.Routes() {
		for _, ep := range route.Endpoints {
			status := ep.GetStatus()
			if status.Healthy {
				healthy++
			}
			eh := EndpointHealth{
				Route:            r,
				Name:             ep.Name(),
				URL:              ep.Config.Address,
				Healthy:          status.Healthy,
				NeverUsed:        status.NeverUsed,
				ResponseTimeMs:   status.ResponseTime.Milliseconds(),
				ConsecutiveFails: status.ConsecutiveFails,
				Retries:          ep.Config.Retries,
				TimeoutMs:        ep.Config.Timeout.Milliseconds(),
			}
			if !status.LastUsed.IsZero() {
				eh.LastUsed = status.LastUsed.Format(time.RFC3339)
			}
			list = append(list, eh)
		}
	}
	return list, healthy
}

func overallStatus(healthy, total int) (string, int) {
	switch {
	case total > 0 && healthy == 0:
		return "unhealthy", http.StatusServiceUnavailable
	case healthy < total:
		return "degraded", http.StatusOK
	default:
		return "healthy", http.StatusOK
	}
}

// handleHealth handles basic health check
func (mm *MonitoringMiddleware) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	endpoints, healthyCount := mm.endpointHealth()
	status, statusCode := overallStatus(healthyCount, len(endpoints))

	writeJSON(w, statusCode, map[string]interface{}{
		"status":            status,
		"routes":            len(mm.dispatcher.Routes()),
		"healthy_endpoints": healthyCount,
		"total_endpoints":   len(endpoints),
	})
}

// handleDetailedHealth handles detailed health check
func (mm *MonitoringMiddleware) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	endpoints, healthyCount := mm.endpointHealth()
	status, statusCode := overallStatus(healthyCount, len(endpoints))

	writeJSON(w, statusCode, HealthResponse{
		Status:    status,
		Timestamp: time.Now().Format(time.RFC3339),
		Routes:    len(mm.dispatcher.Routes()),
		Endpoints: endpoints,
	})
}

// handleTrackingHealth reports request tracker state
func (mm *MonitoringMiddleware) handleTrackingHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if mm.tracker == nil || !mm.tracker.Enabled() {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "disabled",
			"enabled": false,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := mm.tracker.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
			"stats":  mm.tracker.Stats(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"stats":  mm.tracker.Stats(),
	})
}

// BroadcastSystemStats 广播系统级统计事件
func (mm *MonitoringMiddleware) BroadcastSystemStats() {
	if mm.eventBus == nil {
		return
	}

	snapshot := mm.metrics.Snapshot()
	mm.eventBus.Publish(events.Event{
		Type:      events.EventSystemStatsUpdated,
		Source:    "monitoring",
		Timestamp: time.Now(),
		Priority:  events.PriorityLow,
		Data: map[string]interface{}{
			"total_requests":        snapshot.TotalRequests,
			"successful_requests":   snapshot.SuccessfulRequests,
			"failed_requests":       snapshot.FailedRequests,
			"success_rate":          mm.metrics.GetSuccessRate(),
			"average_response_time": utils.FormatResponseTime(mm.metrics.GetAverageResponseTime()),
			"p95_response_time":     utils.FormatResponseTime(mm.metrics.GetP95ResponseTime()),
			"change_type":           "system_stats_updated",
		},
	})
}

// StartStatsLoop 定期记录历史数据点并广播统计，直到 ctx 结束
func (mm *MonitoringMiddleware) StartStatsLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mm.metrics.AddHistoryDataPoints()
				mm.BroadcastSystemStats()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
