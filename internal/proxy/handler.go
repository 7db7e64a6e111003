package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"rpc-forwarder/internal/events"
	"rpc-forwarder/internal/jsonrpc"
	"rpc-forwarder/internal/utils"
)

const maxRequestBodySize = 10 << 20

// Handler serves inbound JSON-RPC calls over HTTP.
type Handler struct {
	dispatcher *Dispatcher
	recorder   RequestRecorder
	eventBus   events.EventBus
	logger     *slog.Logger
}

// NewHandler creates a new proxy handler
func NewHandler(dispatcher *Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// SetRequestRecorder sets where finished requests are persisted
func (h *Handler) SetRequestRecorder(rec RequestRecorder) {
	h.recorder = rec
}

// SetEventBus sets the event bus for request events
func (h *Handler) SetEventBus(bus events.EventBus) {
	h.eventBus = bus
}

// ServeHTTP answers every POST with HTTP 200 and a JSON-RPC response body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// 调用方断开不影响已经开始的上游请求
	ctx := context.WithoutCancel(r.Context())

	requestID := utils.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = "req-" + uuid.NewString()[:8]
		ctx = utils.WithRequestID(ctx, requestID)
	}

	lifecycle := NewRequestLifecycleManager(h.recorder, h.eventBus, h.logger, requestID, clientIP(r))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	r.Body.Close()
	if err != nil {
		h.logger.Warn("⚠️ [请求] 读取请求体失败", "request_id", requestID, "error", err)
		resp := jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, jsonrpc.MsgParseError)
		h.writeResponse(w, requestID, resp)
		lifecycle.Reject(resp, TraceParseError)
		return
	}

	req, errResp := jsonrpc.ParseRequest(body)
	if errResp != nil {
		outcome, code := TraceParseError, jsonrpc.CodeParseError
		if obj, ok := errResp.ErrorObject(); ok {
			code = obj.Code
		}
		if code == jsonrpc.CodeInvalidRequest {
			outcome = TraceInvalidRequest
		}
		h.logger.Debug("⚠️ [请求] 无效的JSON-RPC请求",
			"request_id", requestID,
			"code", code,
			"body", utils.Truncate(string(body), 256))
		h.writeResponse(w, requestID, errResp)
		lifecycle.Reject(errResp, outcome)
		return
	}

	resp, trace := h.dispatcher.ForwardTrace(ctx, req)
	h.writeResponse(w, requestID, resp)
	lifecycle.Complete(req, resp, trace)
}

func (h *Handler) writeResponse(w http.ResponseWriter, requestID string, resp *jsonrpc.Response) {
	data, err := jsonrpc.Encode(resp)
	if err != nil {
		h.logger.Error("❌ [响应] 序列化响应失败", "request_id", requestID, "error", err)
		data, _ = jsonrpc.Encode(jsonrpc.NewErrorResponse(resp.ID, jsonrpc.CodeServerError, jsonrpc.MsgRequestFailed))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("写入响应失败，客户端可能已断开", "request_id", requestID, "error", err)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
