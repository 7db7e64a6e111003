package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rpc-forwarder/config"
	"rpc-forwarder/internal/endpoint"
	"rpc-forwarder/internal/jsonrpc"
	"rpc-forwarder/internal/transport"
	"rpc-forwarder/internal/utils"
)

// MetricsSink receives request and endpoint counters from the dispatcher.
type MetricsSink interface {
	IncRequests()
	IncSuccess()
	IncFailure()
	ObserveLatency(d time.Duration)
	IncEndpointRetry(endpoint string)
	IncEndpointFailure(endpoint, outcome string)
	IncEndpointServed(endpoint string)
}

type noopSink struct{}

func (noopSink) IncRequests()                      {}
func (noopSink) IncSuccess()                       {}
func (noopSink) IncFailure()                       {}
func (noopSink) ObserveLatency(time.Duration)      {}
func (noopSink) IncEndpointRetry(string)           {}
func (noopSink) IncEndpointFailure(string, string) {}
func (noopSink) IncEndpointServed(string)          {}

// Route maps a set of method names to an ordered endpoint list.
type Route struct {
	Methods   map[string]struct{}
	Endpoints []*endpoint.Endpoint
}

// Matches reports whether the route serves method.
func (r *Route) Matches(method string) bool {
	_, ok := r.Methods[method]
	return ok
}

// MethodNames returns the route's methods in no particular order.
func (r *Route) MethodNames() []string {
	names := make([]string, 0, len(r.Methods))
	for m := range r.Methods {
		names = append(names, m)
	}
	return names
}

// TraceOutcome is the final classification of one forwarded request.
type TraceOutcome string

const (
	TraceSuccess        TraceOutcome = "success"
	TraceNullResult     TraceOutcome = "null_result"
	TraceFailed         TraceOutcome = "failed"
	TraceMethodNotFound TraceOutcome = "method_not_found"
	TraceParseError     TraceOutcome = "parse_error"
	TraceInvalidRequest TraceOutcome = "invalid_request"
)

// EndpointAttempt records what one endpoint did for a request.
type EndpointAttempt struct {
	Endpoint string `json:"endpoint"`
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Trace describes how a request was routed and served.
type Trace struct {
	Method     string            `json:"method"`
	RouteIndex int               `json:"route_index"`
	ServedBy   string            `json:"served_by,omitempty"`
	Endpoints  []EndpointAttempt `json:"endpoints"`
	Attempts   int               `json:"attempts"`
	Duration   time.Duration     `json:"duration"`
	Outcome    TraceOutcome      `json:"outcome"`
	Slow       bool              `json:"slow"`
}

// Dispatcher resolves a route for each request and walks its endpoints in order.
type Dispatcher struct {
	routes        []*Route
	sink          MetricsSink
	logger        *slog.Logger
	slowThreshold time.Duration
	healthHook    func(name string, healthy bool, lastErr string)
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSlowThreshold overrides the slow request log threshold.
func WithSlowThreshold(d time.Duration) DispatcherOption {
	return func(d2 *Dispatcher) { d2.slowThreshold = d }
}

// WithEndpointHealthHook is passed to every endpoint built by NewDispatcher.
func WithEndpointHealthHook(fn func(name string, healthy bool, lastErr string)) DispatcherOption {
	return func(d *Dispatcher) { d.healthHook = fn }
}

// NewDispatcher builds the immutable route table from cfg.
func NewDispatcher(cfg *config.Config, sender transport.Sender, sink MetricsSink, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if sink == nil {
		sink = noopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		sink:          sink,
		logger:        logger,
		slowThreshold: cfg.SlowRequestThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.slowThreshold <= 0 {
		d.slowThreshold = time.Second
	}

	for _, rc := range cfg.Routes {
		route := &Route{Methods: make(map[string]struct{}, len(rc.Methods))}
		for _, m := range rc.Methods {
			route.Methods[m] = struct{}{}
		}
		for _, ec := range rc.Endpoints {
			epOpts := []endpoint.Option{endpoint.WithRecorder(sink), endpoint.WithLogger(logger)}
			if d.healthHook != nil {
				epOpts = append(epOpts, endpoint.WithHealthHook(d.healthHook))
			}
			route.Endpoints = append(route.Endpoints, endpoint.New(ec, sender, epOpts...))
		}
		d.routes = append(d.routes, route)
	}

	return d
}

// Routes returns the route table in declaration order.
func (d *Dispatcher) Routes() []*Route {
	return d.routes
}

// Resolve returns the first route serving method, or -1.
func (d *Dispatcher) Resolve(method string) (*Route, int) {
	for i, r := range d.routes {
		if r.Matches(method) {
			return r, i
		}
	}
	return nil, -1
}

// Forward routes req and always returns a response carrying req's id.
func (d *Dispatcher) Forward(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	resp, _ := d.ForwardTrace(ctx, req)
	return resp
}

// ForwardTrace is Forward plus a description of how the request was served.
func (d *Dispatcher) ForwardTrace(ctx context.Context, req *jsonrpc.Request) (resp *jsonrpc.Response, trace Trace) {
	start := time.Now()
	d.sink.IncRequests()

	trace = Trace{Method: req.Method, RouteIndex: -1}
	defer func() {
		trace.Duration = time.Since(start)
		d.sink.ObserveLatency(trace.Duration)
		if trace.Outcome == TraceSuccess {
			d.sink.IncSuccess()
		} else {
			d.sink.IncFailure()
		}
		if trace.Duration > d.slowThreshold {
			trace.Slow = true
			d.logSlow(ctx, req, trace)
		}
	}()

	route, idx := d.Resolve(req.Method)
	if route == nil {
		trace.Outcome = TraceMethodNotFound
		d.logger.Debug("❓ [路由] 未找到匹配的路由",
			"request_id", utils.RequestIDFromContext(ctx),
			"method", req.Method)
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, jsonrpc.MsgMethodNotFound), trace
	}
	trace.RouteIndex = idx

	var lastResponse *jsonrpc.Response
	for _, ep := range route.Endpoints {
		outcome := ep.SendWithRetry(ctx, req)
		trace.Attempts += outcome.Attempts

		attempt := EndpointAttempt{Endpoint: ep.Name(), Attempts: outcome.Attempts}
		if outcome.Err != nil {
			attempt.Error = outcome.Err.Error()
		}

		switch outcome.Kind {
		case endpoint.OutcomeResponse:
			if outcome.Response != nil && outcome.Response.HasResult() {
				attempt.Outcome = "response"
				trace.Endpoints = append(trace.Endpoints, attempt)
				trace.ServedBy = ep.Name()
				trace.Outcome = TraceSuccess
				d.sink.IncEndpointServed(ep.Name())
				return outcome.Response.WithID(req.ID), trace
			}
			attempt.Outcome = "no_result"
			if outcome.Response != nil {
				lastResponse = outcome.Response
			}
		case endpoint.OutcomeSkip:
			attempt.Outcome = skipLabel(outcome)
			if outcome.Response != nil {
				lastResponse = outcome.Response
			}
		case endpoint.OutcomeError:
			attempt.Outcome = "error"
			lastResponse = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, outcome.Err.Error())
		}

		trace.Endpoints = append(trace.Endpoints, attempt)
		d.sink.IncEndpointFailure(ep.Name(), attempt.Outcome)
	}

	if lastResponse == nil {
		trace.Outcome = TraceFailed
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeServerError, jsonrpc.MsgRequestFailed), trace
	}
	if lastResponse.HasError() {
		trace.Outcome = TraceFailed
	} else {
		trace.Outcome = TraceNullResult
	}
	return lastResponse.WithID(req.ID), trace
}

func skipLabel(o endpoint.Outcome) string {
	if o.Err != nil {
		if kind, ok := transport.KindOf(o.Err); ok {
			return kind.String()
		}
		return "error"
	}
	if o.Response != nil {
		return "null_result"
	}
	return "empty_body"
}

func (d *Dispatcher) logSlow(ctx context.Context, req *jsonrpc.Request, trace Trace) {
	params := "null"
	if len(req.Params) > 0 {
		params = utils.Truncate(string(req.Params), 1024)
	}
	d.logger.Warn(fmt.Sprintf("🐌 [慢请求] %s 耗时 %s", req.Method, utils.FormatResponseTime(trace.Duration)),
		"request_id", utils.RequestIDFromContext(ctx),
		"method", req.Method,
		"params", params,
		"elapsed", trace.Duration,
		"served_by", trace.ServedBy,
		"outcome", string(trace.Outcome))
}
