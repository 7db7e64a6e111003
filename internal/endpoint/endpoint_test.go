package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpc-forwarder/config"
	"rpc-forwarder/internal/jsonrpc"
	"rpc-forwarder/internal/transport"
)

type scriptedStep struct {
	result transport.CallResult
	err    error
}

// scriptedSender replays a fixed sequence of outcomes and records each call.
type scriptedSender struct {
	mu       sync.Mutex
	steps    []scriptedStep
	calls    int
	timeouts []time.Duration
}

func (s *scriptedSender) Send(_ context.Context, _ string, _ *jsonrpc.Request, timeout time.Duration) (transport.CallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeouts = append(s.timeouts, timeout)
	if s.calls >= len(s.steps) {
		s.calls++
		return transport.CallResult{}, errors.New("unexpected extra call")
	}
	step := s.steps[s.calls]
	s.calls++
	return step.result, step.err
}

type countingRecorder struct {
	mu      sync.Mutex
	retries map[string]int
}

func (r *countingRecorder) IncEndpointRetry(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retries == nil {
		r.retries = make(map[string]int)
	}
	r.retries[endpoint]++
}

func success(result string) scriptedStep {
	return scriptedStep{result: transport.CallResult{
		Kind:     transport.Success,
		Response: &jsonrpc.Response{JSONRPC: "2.0", Result: json.RawMessage(result), ID: json.RawMessage(`1`)},
	}}
}

func nullResult() scriptedStep {
	return scriptedStep{result: transport.CallResult{
		Kind:     transport.NullResult,
		Response: &jsonrpc.Response{JSONRPC: "2.0", Result: json.RawMessage(`null`), ID: json.RawMessage(`1`)},
	}}
}

func failure(kind transport.ErrorKind, status int) scriptedStep {
	return scriptedStep{err: &transport.Error{Kind: kind, StatusCode: status, Err: errors.New(kind.String())}}
}

func newTestEndpoint(retries int, sender transport.Sender, rec RetryRecorder) *Endpoint {
	return New(config.EndpointConfig{
		Name:    "node-a",
		Address: "http://node-a:8545",
		Retries: retries,
		Timeout: 250 * time.Millisecond,
	}, sender, WithRecorder(rec))
}

func testRequest() *jsonrpc.Request {
	return &jsonrpc.Request{JSONRPC: "2.0", Method: "eth_call", ID: json.RawMessage(`1`)}
}

func TestSendWithRetry(t *testing.T) {
	tests := []struct {
		name         string
		retries      int
		steps        []scriptedStep
		wantKind     OutcomeKind
		wantResponse bool
		wantErrKind  *transport.ErrorKind
		wantCalls    int
		wantRetries  int
	}{
		{
			name:         "success first attempt",
			retries:      3,
			steps:        []scriptedStep{success(`"0x1"`)},
			wantKind:     OutcomeResponse,
			wantResponse: true,
			wantCalls:    1,
		},
		{
			name:         "retry then succeed",
			retries:      3,
			steps:        []scriptedStep{failure(transport.ServerError, 503), failure(transport.Timeout, 0), success(`"0x2"`)},
			wantKind:     OutcomeResponse,
			wantResponse: true,
			wantCalls:    3,
			wantRetries:  2,
		},
		{
			name:        "server errors exhaust retries",
			retries:     2,
			steps:       []scriptedStep{failure(transport.ServerError, 503), failure(transport.ServerError, 503)},
			wantKind:    OutcomeError,
			wantErrKind: ptr(transport.ServerError),
			wantCalls:   2,
			wantRetries: 1,
		},
		{
			name:        "timeout with single attempt",
			retries:     1,
			steps:       []scriptedStep{failure(transport.Timeout, 0)},
			wantKind:    OutcomeError,
			wantErrKind: ptr(transport.Timeout),
			wantCalls:   1,
		},
		{
			name:      "client error skips without retry",
			retries:   5,
			steps:     []scriptedStep{failure(transport.ClientError, 404)},
			wantKind:  OutcomeSkip,
			wantCalls: 1,
		},
		{
			name:      "request failed skips",
			retries:   5,
			steps:     []scriptedStep{failure(transport.RequestFailed, 0)},
			wantKind:  OutcomeSkip,
			wantCalls: 1,
		},
		{
			name:      "parse error skips",
			retries:   5,
			steps:     []scriptedStep{failure(transport.ParseError, 0)},
			wantKind:  OutcomeSkip,
			wantCalls: 1,
		},
		{
			name:         "null result skips with response",
			retries:      3,
			steps:        []scriptedStep{nullResult()},
			wantKind:     OutcomeSkip,
			wantResponse: true,
			wantCalls:    1,
		},
		{
			name:      "empty body skips without response",
			retries:   3,
			steps:     []scriptedStep{{result: transport.CallResult{Kind: transport.EmptyBody}}},
			wantKind:  OutcomeSkip,
			wantCalls: 1,
		},
		{
			name:         "server error then null result",
			retries:      3,
			steps:        []scriptedStep{failure(transport.ServerError, 502), nullResult()},
			wantKind:     OutcomeSkip,
			wantResponse: true,
			wantCalls:    2,
			wantRetries:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &scriptedSender{steps: tt.steps}
			rec := &countingRecorder{}
			ep := newTestEndpoint(tt.retries, sender, rec)

			outcome := ep.SendWithRetry(context.Background(), testRequest())

			assert.Equal(t, tt.wantKind, outcome.Kind)
			assert.Equal(t, tt.wantResponse, outcome.Response != nil)
			assert.Equal(t, tt.wantCalls, sender.calls, "调用次数不符合预期")
			assert.Equal(t, tt.wantCalls, outcome.Attempts)
			assert.Equal(t, tt.wantRetries, rec.retries["node-a"])

			if tt.wantErrKind != nil {
				kind, ok := transport.KindOf(outcome.Err)
				require.True(t, ok)
				assert.Equal(t, *tt.wantErrKind, kind)
			}
			for _, timeout := range sender.timeouts {
				assert.Equal(t, 250*time.Millisecond, timeout)
			}
		})
	}
}

func TestSendWithRetry_NeverExceedsRetries(t *testing.T) {
	for retries := 1; retries <= 4; retries++ {
		steps := make([]scriptedStep, 10)
		for i := range steps {
			steps[i] = failure(transport.ServerError, 500)
		}
		sender := &scriptedSender{steps: steps}
		outcome := newTestEndpoint(retries, sender, nil).SendWithRetry(context.Background(), testRequest())

		assert.Equal(t, OutcomeError, outcome.Kind)
		assert.Equal(t, retries, sender.calls)
	}
}

func TestNew_ClampsRetries(t *testing.T) {
	ep := New(config.EndpointConfig{Address: "http://x:1"}, &scriptedSender{})
	assert.Equal(t, 1, ep.Config.Retries)
	assert.Equal(t, "http://x:1", ep.Name())
}

func TestEndpointStatus(t *testing.T) {
	sender := &scriptedSender{steps: []scriptedStep{failure(transport.RequestFailed, 0), success(`true`)}}
	ep := newTestEndpoint(1, sender, nil)

	assert.True(t, ep.GetStatus().NeverUsed)

	ep.SendWithRetry(context.Background(), testRequest())
	status := ep.GetStatus()
	assert.False(t, status.Healthy)
	assert.Equal(t, 1, status.ConsecutiveFails)
	assert.Equal(t, "request_failed", status.LastOutcome)
	assert.Contains(t, status.LastError, "HTTP request failed")

	ep.SendWithRetry(context.Background(), testRequest())
	status = ep.GetStatus()
	assert.True(t, ep.IsHealthy())
	assert.Equal(t, 0, status.ConsecutiveFails)
	assert.Equal(t, int64(2), status.TotalAttempts)
	assert.Equal(t, "success", status.LastOutcome)
}

func TestHealthHookFiresOnTransitions(t *testing.T) {
	sender := &scriptedSender{steps: []scriptedStep{
		failure(transport.Timeout, 0),
		failure(transport.Timeout, 0),
		success(`true`),
	}}

	var changes []bool
	ep := New(config.EndpointConfig{Name: "node-a", Address: "http://node-a:8545", Retries: 1}, sender,
		WithHealthHook(func(name string, healthy bool, lastErr string) {
			assert.Equal(t, "node-a", name)
			if !healthy {
				assert.NotEmpty(t, lastErr)
			}
			changes = append(changes, healthy)
		}))

	for i := 0; i < 3; i++ {
		ep.SendWithRetry(context.Background(), testRequest())
	}

	assert.Equal(t, []bool{false, true}, changes)
}

func TestRejectedCallKeepsEndpointHealthy(t *testing.T) {
	tests := []struct {
		name string
		step scriptedStep
	}{
		{"client error", failure(transport.ClientError, 405)},
		{"parse error", failure(transport.ParseError, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var flips int
			ep := New(config.EndpointConfig{Name: "node-a", Address: "http://node-a:8545", Retries: 1},
				&scriptedSender{steps: []scriptedStep{tt.step}},
				WithHealthHook(func(string, bool, string) { flips++ }))

			outcome := ep.SendWithRetry(context.Background(), testRequest())
			assert.Equal(t, OutcomeSkip, outcome.Kind)

			status := ep.GetStatus()
			assert.True(t, status.Healthy)
			assert.Zero(t, status.ConsecutiveFails)
			assert.NotEmpty(t, status.LastError)
			assert.Equal(t, tt.step.err.(*transport.Error).Kind.String(), status.LastOutcome)
			assert.Zero(t, flips)
		})
	}
}

func TestTransientFailuresMarkEndpointUnhealthy(t *testing.T) {
	for _, kind := range []transport.ErrorKind{transport.RequestFailed, transport.Timeout, transport.ServerError} {
		t.Run(kind.String(), func(t *testing.T) {
			ep := newTestEndpoint(1, &scriptedSender{steps: []scriptedStep{failure(kind, 503)}}, nil)
			ep.SendWithRetry(context.Background(), testRequest())
			assert.False(t, ep.IsHealthy())
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}
