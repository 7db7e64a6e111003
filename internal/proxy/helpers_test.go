package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rpc-forwarder/config"
	"rpc-forwarder/internal/jsonrpc"
	"rpc-forwarder/internal/transport"
)

type step struct {
	result transport.CallResult
	err    error
}

func ok(result string) step {
	return step{result: transport.CallResult{
		Kind:     transport.Success,
		Response: &jsonrpc.Response{JSONRPC: "2.0", Result: json.RawMessage(result), ID: json.RawMessage(`999`)},
	}}
}

func null() step {
	return step{result: transport.CallResult{
		Kind:     transport.NullResult,
		Response: &jsonrpc.Response{JSONRPC: "2.0", Result: json.RawMessage(`null`), ID: json.RawMessage(`999`)},
	}}
}

func empty() step {
	return step{result: transport.CallResult{Kind: transport.EmptyBody}}
}

func fail(kind transport.ErrorKind, status int) step {
	return step{err: &transport.Error{Kind: kind, StatusCode: status, Err: errors.New("boom")}}
}

// fakeSender replays a per-address script. When a script runs out its last
// step repeats.
type fakeSender struct {
	mu      sync.Mutex
	scripts map[string][]step
	calls   map[string]int
}

func newFakeSender(scripts map[string][]step) *fakeSender {
	return &fakeSender{scripts: scripts, calls: make(map[string]int)}
}

func (f *fakeSender) Send(_ context.Context, address string, _ *jsonrpc.Request, _ time.Duration) (transport.CallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script := f.scripts[address]
	n := f.calls[address]
	f.calls[address]++
	if len(script) == 0 {
		return transport.CallResult{}, &transport.Error{Kind: transport.RequestFailed, Err: errors.New("no script")}
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n].result, script[n].err
}

func (f *fakeSender) Calls(address string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[address]
}

type fakeSink struct {
	requests atomic.Int64
	success  atomic.Int64
	failure  atomic.Int64
	latency  atomic.Int64

	mu       sync.Mutex
	retries  map[string]int
	failures map[string]int
	served   map[string]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		retries:  make(map[string]int),
		failures: make(map[string]int),
		served:   make(map[string]int),
	}
}

func (s *fakeSink) IncRequests()                 { s.requests.Add(1) }
func (s *fakeSink) IncSuccess()                  { s.success.Add(1) }
func (s *fakeSink) IncFailure()                  { s.failure.Add(1) }
func (s *fakeSink) ObserveLatency(time.Duration) { s.latency.Add(1) }

func (s *fakeSink) IncEndpointRetry(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[endpoint]++
}

func (s *fakeSink) IncEndpointFailure(endpoint, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint+"/"+outcome]++
}

func (s *fakeSink) IncEndpointServed(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.served[endpoint]++
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ep(name string, retries int) config.EndpointConfig {
	return config.EndpointConfig{
		Name:    name,
		Address: "http://" + name + ":8545",
		Retries: retries,
		Timeout: time.Second,
	}
}

func routeConfig(methods []string, endpoints ...config.EndpointConfig) config.RouteConfig {
	return config.RouteConfig{Methods: methods, Endpoints: endpoints}
}

func testConfig(routes ...config.RouteConfig) *config.Config {
	return &config.Config{
		DefaultTimeout:       time.Second,
		SlowRequestThreshold: time.Second,
		Routes:               routes,
	}
}

func call(method, id string) *jsonrpc.Request {
	req := &jsonrpc.Request{JSONRPC: "2.0", Method: method, Params: json.RawMessage(`[]`)}
	if id != "" {
		req.ID = json.RawMessage(id)
	}
	return req
}

func encode(t testing.TB, resp *jsonrpc.Response) string {
	t.Helper()
	data, err := jsonrpc.Encode(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(data)
}
