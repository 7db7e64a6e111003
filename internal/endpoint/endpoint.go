package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rpc-forwarder/config"
	"rpc-forwarder/internal/jsonrpc"
	"rpc-forwarder/internal/proxy/retry"
	"rpc-forwarder/internal/transport"
	"rpc-forwarder/internal/utils"
)

// OutcomeKind tags the result of driving one endpoint to completion.
type OutcomeKind int

const (
	// OutcomeResponse: the endpoint produced a response with a result.
	OutcomeResponse OutcomeKind = iota
	// OutcomeSkip: move to the next endpoint, optionally keeping a
	// null-result response as a fallback answer.
	OutcomeSkip
	// OutcomeError: retryable failures exhausted every attempt.
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResponse:
		return "response"
	case OutcomeSkip:
		return "skip"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Outcome is what SendWithRetry hands back to the dispatcher.
type Outcome struct {
	Kind     OutcomeKind
	Response *jsonrpc.Response // Response, or the null response carried by a Skip
	Err      error             // set for OutcomeError and for skips caused by a failure
	Attempts int
}

// RetryRecorder counts same-endpoint retries.
type RetryRecorder interface {
	IncEndpointRetry(endpoint string)
}

// EndpointStatus is passive health derived from forwarded traffic.
type EndpointStatus struct {
	Healthy          bool
	LastUsed         time.Time
	ResponseTime     time.Duration
	ConsecutiveFails int
	TotalAttempts    int64
	LastOutcome      string
	LastError        string
	NeverUsed        bool
}

// Endpoint is one upstream with its retry budget and per-attempt timeout.
type Endpoint struct {
	Config config.EndpointConfig

	sender   transport.Sender
	policy   retry.RetryPolicy
	recorder RetryRecorder
	logger   *slog.Logger
	onHealth func(name string, healthy bool, lastErr string)

	mutex  sync.RWMutex
	status EndpointStatus
}

// Option customizes an Endpoint.
type Option func(*Endpoint)

// WithRecorder sets where retry counts are reported.
func WithRecorder(r RetryRecorder) Option {
	return func(e *Endpoint) { e.recorder = r }
}

// WithLogger sets the endpoint logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// WithHealthHook is called whenever the endpoint flips between healthy and unhealthy.
func WithHealthHook(fn func(name string, healthy bool, lastErr string)) Option {
	return func(e *Endpoint) { e.onHealth = fn }
}

// New creates an endpoint. Retries below 1 are treated as 1.
func New(cfg config.EndpointConfig, sender transport.Sender, opts ...Option) *Endpoint {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Address
	}
	e := &Endpoint{
		Config: cfg,
		sender: sender,
		policy: retry.NewDefaultRetryPolicy(),
		logger: slog.Default(),
		status: EndpointStatus{Healthy: true, NeverUsed: true},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the endpoint label used in logs and metrics.
func (e *Endpoint) Name() string {
	return e.Config.Name
}

// SendWithRetry drives up to Config.Retries attempts against this endpoint.
//
//	Success      -> OutcomeResponse
//	NullResult   -> OutcomeSkip carrying the null response
//	EmptyBody    -> OutcomeSkip without a response
//	server error / timeout, attempts left -> retry at once
//	server error / timeout, last attempt  -> OutcomeError
//	any other error                       -> OutcomeSkip without a response
func (e *Endpoint) SendWithRetry(ctx context.Context, req *jsonrpc.Request) Outcome {
	requestID := utils.RequestIDFromContext(ctx)
	maxAttempts := e.Config.Retries

	for attempt := 1; ; attempt++ {
		start := time.Now()
		result, err := e.sender.Send(ctx, e.Config.Address, req, e.Config.Timeout)
		elapsed := time.Since(start)

		rctx := retry.RetryContext{
			RequestID:    requestID,
			EndpointName: e.Config.Name,
			Attempt:      attempt,
			MaxAttempts:  maxAttempts,
			Err:          err,
		}

		if err == nil {
			e.updateStatus(result.Kind.String(), nil, elapsed)
			switch result.Kind {
			case transport.Success:
				retry.LogDecision(e.logger, rctx, e.policy.Decide(rctx))
				return Outcome{Kind: OutcomeResponse, Response: result.Response, Attempts: attempt}
			case transport.NullResult:
				e.logger.Debug("🔀 [端点] 上游返回空结果，尝试下一端点",
					"request_id", requestID,
					"endpoint", e.Config.Name,
					"attempt", attempt)
				return Outcome{Kind: OutcomeSkip, Response: result.Response, Attempts: attempt}
			default:
				e.logger.Debug("🔀 [端点] 上游返回空响应体，尝试下一端点",
					"request_id", requestID,
					"endpoint", e.Config.Name,
					"attempt", attempt)
				return Outcome{Kind: OutcomeSkip, Attempts: attempt}
			}
		}

		e.updateStatus(errorLabel(err), err, elapsed)
		decision := e.policy.Decide(rctx)
		retry.LogDecision(e.logger, rctx, decision)

		switch {
		case decision.RetrySameEndpoint:
			if e.recorder != nil {
				e.recorder.IncEndpointRetry(e.Config.Name)
			}
			continue
		case decision.Fails():
			return Outcome{Kind: OutcomeError, Err: err, Attempts: attempt}
		default:
			return Outcome{Kind: OutcomeSkip, Err: err, Attempts: attempt}
		}
	}
}

func errorLabel(err error) string {
	if kind, ok := transport.KindOf(err); ok {
		return kind.String()
	}
	return "error"
}

// marksUnhealthy reports whether err says the upstream itself is in trouble,
// as opposed to rejecting one particular call.
func marksUnhealthy(err error) bool {
	kind, ok := transport.KindOf(err)
	if !ok {
		return true
	}
	switch kind {
	case transport.RequestFailed, transport.Timeout, transport.ServerError:
		return true
	default:
		return false
	}
}

func (e *Endpoint) updateStatus(outcome string, err error, elapsed time.Duration) {
	e.mutex.Lock()
	wasHealthy := e.status.Healthy

	e.status.LastUsed = time.Now()
	e.status.ResponseTime = elapsed
	e.status.TotalAttempts++
	e.status.LastOutcome = outcome
	e.status.NeverUsed = false

	switch {
	case err == nil:
		e.status.Healthy = true
		e.status.ConsecutiveFails = 0
		e.status.LastError = ""
	case marksUnhealthy(err):
		e.status.ConsecutiveFails++
		e.status.LastError = err.Error()
		e.status.Healthy = false
	default:
		// the upstream answered; only this call was rejected
		e.status.LastError = err.Error()
	}
	healthy, lastErr := e.status.Healthy, e.status.LastError
	e.mutex.Unlock()

	if healthy == wasHealthy {
		return
	}
	if healthy {
		e.logger.Info(fmt.Sprintf("✅ [端点状态] 端点恢复正常: %s - 响应时间: %s",
			e.Config.Name, utils.FormatResponseTime(elapsed)))
	} else {
		e.logger.Warn(fmt.Sprintf("❌ [端点状态] 端点请求失败: %s - 错误: %v", e.Config.Name, err))
	}
	if e.onHealth != nil {
		e.onHealth(e.Config.Name, healthy, lastErr)
	}
}

// GetStatus returns a copy of the endpoint status
func (e *Endpoint) GetStatus() EndpointStatus {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.status
}

// IsHealthy reports whether the most recent attempt succeeded.
func (e *Endpoint) IsHealthy() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.status.Healthy
}
