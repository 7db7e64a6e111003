package proxy

import (
	"log/slog"
	"time"

	"rpc-forwarder/internal/events"
	"rpc-forwarder/internal/jsonrpc"
	"rpc-forwarder/internal/tracking"
	"rpc-forwarder/internal/utils"
)

// RequestRecorder persists one row per finished request.
type RequestRecorder interface {
	Record(rec tracking.RequestRecord)
}

// RequestLifecycleManager 请求生命周期管理器
// 负责在请求结束时写入跟踪记录并发布事件，保证每个请求只收尾一次
type RequestLifecycleManager struct {
	recorder  RequestRecorder
	eventBus  events.EventBus
	logger    *slog.Logger
	requestID string
	clientIP  string
	startTime time.Time
	completed bool
}

// NewRequestLifecycleManager 创建新的请求生命周期管理器
func NewRequestLifecycleManager(recorder RequestRecorder, eventBus events.EventBus, logger *slog.Logger, requestID, clientIP string) *RequestLifecycleManager {
	return &RequestLifecycleManager{
		recorder:  recorder,
		eventBus:  eventBus,
		logger:    logger,
		requestID: requestID,
		clientIP:  clientIP,
		startTime: time.Now(),
	}
}

// GetDuration 获取请求已持续时间
func (rlm *RequestLifecycleManager) GetDuration() time.Duration {
	return time.Since(rlm.startTime)
}

// IsCompleted 请求是否已经收尾
func (rlm *RequestLifecycleManager) IsCompleted() bool {
	return rlm.completed
}

// Reject 收尾一个未进入路由的请求（解析失败或缺少method）
func (rlm *RequestLifecycleManager) Reject(resp *jsonrpc.Response, outcome TraceOutcome) {
	trace := Trace{RouteIndex: -1, Outcome: outcome, Duration: rlm.GetDuration()}
	rlm.Complete(nil, resp, trace)
}

// Complete 写入跟踪记录并发布请求完成事件
func (rlm *RequestLifecycleManager) Complete(req *jsonrpc.Request, resp *jsonrpc.Response, trace Trace) {
	if rlm.completed {
		return
	}
	rlm.completed = true

	rec := tracking.RequestRecord{
		RequestID:      rlm.requestID,
		Method:         trace.Method,
		RouteIndex:     trace.RouteIndex,
		Endpoint:       trace.ServedBy,
		Outcome:        string(trace.Outcome),
		Attempts:       trace.Attempts,
		EndpointsTried: len(trace.Endpoints),
		Duration:       trace.Duration,
		ClientIP:       rlm.clientIP,
		CreatedAt:      rlm.startTime,
	}
	if req != nil && len(req.ID) > 0 {
		rec.RPCID = string(req.ID)
	}
	if obj, ok := resp.ErrorObject(); ok {
		rec.ErrorCode = obj.Code
		rec.ErrorMessage = obj.Message
	} else if resp.HasError() {
		rec.ErrorMessage = utils.Truncate(string(resp.Error), 256)
	}

	if rlm.recorder != nil {
		rlm.recorder.Record(rec)
	}

	rlm.logger.Debug("📝 [请求完成]",
		"request_id", rlm.requestID,
		"method", trace.Method,
		"outcome", string(trace.Outcome),
		"served_by", trace.ServedBy,
		"attempts", trace.Attempts,
		"duration", trace.Duration)

	if rlm.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"request_id":  rlm.requestID,
		"method":      trace.Method,
		"route_index": trace.RouteIndex,
		"served_by":   trace.ServedBy,
		"outcome":     string(trace.Outcome),
		"attempts":    trace.Attempts,
		"endpoints":   trace.Endpoints,
		"duration_ms": trace.Duration.Milliseconds(),
	}
	if rec.ErrorCode != 0 || rec.ErrorMessage != "" {
		data["error_code"] = rec.ErrorCode
		data["error_message"] = rec.ErrorMessage
	}

	rlm.eventBus.Publish(events.Event{
		Type:      events.EventRequestCompleted,
		Source:    "proxy",
		Timestamp: time.Now(),
		Priority:  events.PriorityNormal,
		Data:      data,
	})

	if trace.Slow {
		rlm.eventBus.Publish(events.Event{
			Type:      events.EventSlowRequest,
			Source:    "proxy",
			Timestamp: time.Now(),
			Priority:  events.PriorityHigh,
			Data: map[string]interface{}{
				"request_id":  rlm.requestID,
				"method":      trace.Method,
				"served_by":   trace.ServedBy,
				"duration_ms": trace.Duration.Milliseconds(),
			},
		})
	}
}
