package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpc-forwarder/config"
	"rpc-forwarder/internal/jsonrpc"
	"rpc-forwarder/internal/logging"
	"rpc-forwarder/internal/monitor"
	"rpc-forwarder/internal/proxy"
	"rpc-forwarder/internal/transport"
)

type okSender struct{}

func (okSender) Send(context.Context, string, *jsonrpc.Request, time.Duration) (transport.CallResult, error) {
	return transport.CallResult{
		Kind:     transport.Success,
		Response: &jsonrpc.Response{JSONRPC: "2.0", Result: json.RawMessage(`"0x1"`)},
	}, nil
}

func newTestApp(t *testing.T) (*TUIApp, *proxy.Dispatcher) {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 8545},
		Routes: []config.RouteConfig{
			{Methods: []string{"eth_call", "eth_blockNumber"}, Endpoints: []config.EndpointConfig{
				{Name: "primary", Address: "http://primary:8545", Retries: 2, Timeout: time.Second},
				{Name: "backup", Address: "http://backup:8545", Retries: 1, Timeout: time.Second},
			}},
			{Methods: []string{"net_version"}, Endpoints: []config.EndpointConfig{
				{Name: "solo", Address: "http://solo:8545", Retries: 1, Timeout: time.Second},
			}},
		},
	}
	metrics := monitor.NewMetrics()
	dispatcher := proxy.NewDispatcher(cfg, okSender{}, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewTUIApp(cfg, dispatcher, metrics, time.Now(), "config.yaml"), dispatcher
}

func TestAddLogKeepsNewestLines(t *testing.T) {
	app, _ := newTestApp(t)

	for i := 0; i < maxLogLines+20; i++ {
		app.AddLog("INFO", fmt.Sprintf("line-%d", i), "system")
	}

	out := app.renderLogs()
	assert.Equal(t, maxLogLines, strings.Count(out, "\n"))
	assert.NotContains(t, out, "line-19\n")
	assert.Contains(t, out, "line-20\n")
	assert.Contains(t, out, fmt.Sprintf("line-%d\n", maxLogLines+19))
}

func TestRenderLogsEscapesAndColors(t *testing.T) {
	app, _ := newTestApp(t)
	app.AddLog("ERROR", "upstream said [red]boom", "system")
	app.AddLog("WARN", "slow", "system")

	out := app.renderLogs()
	assert.Contains(t, out, "[red]ERROR[-]")
	assert.Contains(t, out, "[yellow]WARN [-]")
	assert.Contains(t, out, "[red[]boom")
}

func TestRenderStats(t *testing.T) {
	app, dispatcher := newTestApp(t)
	dispatcher.Forward(context.Background(), &jsonrpc.Request{JSONRPC: "2.0", Method: "eth_call", ID: json.RawMessage(`1`)})
	dispatcher.Forward(context.Background(), &jsonrpc.Request{JSONRPC: "2.0", Method: "eth_unknown", ID: json.RawMessage(`2`)})

	out := app.renderStats()
	assert.Contains(t, out, "127.0.0.1:8545")
	assert.Contains(t, out, "[yellow]总请求:[white] 2")
	assert.Contains(t, out, "[green]成功:[white] 1")
	assert.Contains(t, out, "50.0%")
}

func TestFillRouteTable(t *testing.T) {
	app, dispatcher := newTestApp(t)
	dispatcher.Forward(context.Background(), &jsonrpc.Request{JSONRPC: "2.0", Method: "net_version", ID: json.RawMessage(`1`)})

	app.fillRouteTable()

	require.Equal(t, 4, app.routes.GetRowCount())
	assert.Equal(t, "#0", app.routes.GetCell(1, 0).Text)
	assert.Equal(t, "eth_blockNumber,eth_call", app.routes.GetCell(1, 1).Text)
	assert.Equal(t, "primary", app.routes.GetCell(1, 2).Text)
	assert.Equal(t, "", app.routes.GetCell(2, 0).Text)
	assert.Equal(t, "backup", app.routes.GetCell(2, 2).Text)
	assert.Equal(t, "⚪ 未使用", app.routes.GetCell(2, 5).Text)

	assert.Equal(t, "solo", app.routes.GetCell(3, 2).Text)
	assert.Equal(t, "✅ 健康", app.routes.GetCell(3, 5).Text)
	assert.Equal(t, "1", app.routes.GetCell(3, 6).Text)
}

func TestTUIAppIsALogSink(t *testing.T) {
	app, _ := newTestApp(t)

	var sink logging.LogSink = app
	handler := logging.NewSimpleHandler(slog.LevelInfo, io.Discard, nil)
	handler.SetSink(sink)
	slog.New(handler).Info("hello", "k", "v")

	assert.Contains(t, app.renderLogs(), "hello k=v")
}

func TestStopBeforeRun(t *testing.T) {
	app, _ := newTestApp(t)
	app.Stop()
	app.Stop()
	assert.Error(t, app.ctx.Err())
}
