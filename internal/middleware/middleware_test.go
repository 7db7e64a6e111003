package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpc-forwarder/config"
	"rpc-forwarder/internal/jsonrpc"
	"rpc-forwarder/internal/monitor"
	"rpc-forwarder/internal/proxy"
	"rpc-forwarder/internal/transport"
	"rpc-forwarder/internal/utils"
)

type staticSender struct {
	err error
}

func (s staticSender) Send(context.Context, string, *jsonrpc.Request, time.Duration) (transport.CallResult, error) {
	if s.err != nil {
		return transport.CallResult{}, s.err
	}
	return transport.CallResult{
		Kind:     transport.Success,
		Response: &jsonrpc.Response{JSONRPC: "2.0", Result: json.RawMessage(`"0x1"`)},
	}, nil
}

func newDispatcher(sender transport.Sender, metrics *monitor.Metrics) *proxy.Dispatcher {
	cfg := &config.Config{
		SlowRequestThreshold: time.Second,
		Routes: []config.RouteConfig{
			{Methods: []string{"eth_call"}, Endpoints: []config.EndpointConfig{
				{Name: "a", Address: "http://a:8545", Retries: 1, Timeout: time.Second},
				{Name: "b", Address: "http://b:8545", Retries: 2, Timeout: time.Second},
			}},
			{Methods: []string{"net_version"}, Endpoints: []config.EndpointConfig{
				{Name: "c", Address: "http://c:8545", Retries: 1, Timeout: time.Second},
			}},
		},
	}
	return proxy.NewDispatcher(cfg, sender, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLoggingMiddleware_AssignsRequestID(t *testing.T) {
	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuffer, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var seen string
	handler := NewLoggingMiddleware(logger).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = utils.RequestIDFromContext(r.Context())
		w.Write([]byte(`{}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.True(t, strings.HasPrefix(seen, "req-"))
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	logs := logBuffer.String()
	assert.Equal(t, 1, strings.Count(logs, "请求接收"))
	assert.Equal(t, 1, strings.Count(logs, "请求详情"))
	assert.Contains(t, logs, "client_ip=127.0.0.1")
}

func TestLoggingMiddleware_KeepsCallerRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	handler := NewLoggingMiddleware(logger).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = utils.RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Request-ID", "trace-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "trace-42", seen)
}

func TestLoggingMiddleware_LogsErrors(t *testing.T) {
	var logBuffer bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuffer, nil))

	handler := NewLoggingMiddleware(logger).Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Contains(t, logBuffer.String(), "level=ERROR")
	assert.Contains(t, logBuffer.String(), "status_code=502")
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", getClientIP(req))

	req.Header.Set("X-Real-IP", "192.0.2.1")
	assert.Equal(t, "192.0.2.1", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")
	assert.Equal(t, "198.51.100.9", getClientIP(req))
}

func TestHealthEndpoints(t *testing.T) {
	metrics := monitor.NewMetrics()
	d := newDispatcher(staticSender{}, metrics)
	mm := NewMonitoringMiddleware(d, metrics)
	mux := http.NewServeMux()
	mm.RegisterHealthEndpoint(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(2), health["routes"])
	assert.Equal(t, float64(3), health["total_endpoints"])

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	var detailed HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detailed))
	require.Len(t, detailed.Endpoints, 3)
	assert.Equal(t, "b", detailed.Endpoints[1].Name)
	assert.Equal(t, 2, detailed.Endpoints[1].Retries)
	assert.True(t, detailed.Endpoints[2].NeverUsed)
	assert.Equal(t, 1, detailed.Endpoints[2].Route)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthUnhealthyWhenEveryEndpointFails(t *testing.T) {
	metrics := monitor.NewMetrics()
	d := newDispatcher(staticSender{err: &transport.Error{Kind: transport.RequestFailed, Err: errors.New("connection refused")}}, metrics)
	d.Forward(context.Background(), &jsonrpc.Request{Method: "eth_call", ID: json.RawMessage(`1`)})
	d.Forward(context.Background(), &jsonrpc.Request{Method: "net_version", ID: json.RawMessage(`2`)})

	mm := NewMonitoringMiddleware(d, metrics)
	mux := http.NewServeMux()
	mm.RegisterHealthEndpoint(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"unhealthy"`)
}

func TestHealthStaysUpWhenUpstreamsRejectOneMethod(t *testing.T) {
	metrics := monitor.NewMetrics()
	d := newDispatcher(staticSender{err: &transport.Error{Kind: transport.ClientError, StatusCode: 405}}, metrics)
	d.Forward(context.Background(), &jsonrpc.Request{Method: "eth_call", ID: json.RawMessage(`1`)})
	d.Forward(context.Background(), &jsonrpc.Request{Method: "net_version", ID: json.RawMessage(`2`)})

	mux := http.NewServeMux()
	NewMonitoringMiddleware(d, metrics).RegisterHealthEndpoint(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := monitor.NewMetrics()
	d := newDispatcher(staticSender{}, metrics)
	d.Forward(context.Background(), &jsonrpc.Request{Method: "eth_call", ID: json.RawMessage(`1`)})
	d.Forward(context.Background(), &jsonrpc.Request{Method: "eth_unknown", ID: json.RawMessage(`2`)})

	mux := http.NewServeMux()
	NewMonitoringMiddleware(d, metrics).RegisterHealthEndpoint(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "rpc_requests_total 2")
	assert.Contains(t, body, "rpc_requests_success_total 1")
	assert.Contains(t, body, "rpc_requests_failure_total 1")
	assert.Contains(t, body, "rpc_request_latency_seconds_bucket")
	assert.Contains(t, body, `rpc_endpoint_served_total{endpoint="a"} 1`)
}

type fakeTracker struct {
	enabled bool
	err     error
}

func (f fakeTracker) Enabled() bool                     { return f.enabled }
func (f fakeTracker) HealthCheck(context.Context) error { return f.err }
func (f fakeTracker) Stats() map[string]interface{}     { return map[string]interface{}{"written": 3} }

func TestTrackingHealth(t *testing.T) {
	metrics := monitor.NewMetrics()
	d := newDispatcher(staticSender{}, metrics)

	tests := []struct {
		name       string
		tracker    TrackerHealth
		wantCode   int
		wantStatus string
	}{
		{"not configured", nil, http.StatusOK, "disabled"},
		{"disabled", fakeTracker{}, http.StatusOK, "disabled"},
		{"healthy", fakeTracker{enabled: true}, http.StatusOK, "healthy"},
		{"unhealthy", fakeTracker{enabled: true, err: errors.New("database ping failed")}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mm := NewMonitoringMiddleware(d, metrics)
			if tt.tracker != nil {
				mm.SetTracker(tt.tracker)
			}
			mux := http.NewServeMux()
			mm.RegisterHealthEndpoint(mux)

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/tracking", nil))
			assert.Equal(t, tt.wantCode, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body["status"])
		})
	}
}
