// Package transport performs single upstream JSON-RPC calls and classifies
// what came back.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"rpc-forwarder/internal/jsonrpc"
)

// CallKind classifies a call that produced a usable HTTP exchange.
type CallKind int

const (
	// Success: the upstream returned a non-null result.
	Success CallKind = iota
	// NullResult: the body parsed but result was absent or null; an upstream
	// error member, if any, rides along in Response.Error.
	NullResult
	// EmptyBody: 2xx with nothing but whitespace in the body.
	EmptyBody
)

func (k CallKind) String() string {
	switch k {
	case Success:
		return "success"
	case NullResult:
		return "null_result"
	case EmptyBody:
		return "empty_body"
	default:
		return "unknown"
	}
}

// CallResult is the non-error outcome of Send.
type CallResult struct {
	Kind     CallKind
	Response *jsonrpc.Response // nil for EmptyBody
}

// ErrorKind classifies a failed call.
type ErrorKind int

const (
	ServerError ErrorKind = iota
	ClientError
	RequestFailed
	Timeout
	ParseError
)

func (k ErrorKind) String() string {
	switch k {
	case ServerError:
		return "server_error"
	case ClientError:
		return "client_error"
	case RequestFailed:
		return "request_failed"
	case Timeout:
		return "timeout"
	case ParseError:
		return "parse_error"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ServerError:
		return fmt.Sprintf("HTTP server error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	case ClientError:
		return fmt.Sprintf("HTTP client error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	case RequestFailed:
		return fmt.Sprintf("HTTP request failed: %v", e.Err)
	case Timeout:
		return "Request timed out"
	case ParseError:
		return fmt.Sprintf("Parse error: %v", e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same call may help.
func (e *Error) Retryable() bool {
	return e.Kind == ServerError || e.Kind == Timeout
}

// KindOf returns the kind of a transport error, and false for anything else.
func KindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// Sender is the upstream call used by endpoints.
type Sender interface {
	Send(ctx context.Context, address string, req *jsonrpc.Request, timeout time.Duration) (CallResult, error)
}

// Client sends JSON-RPC calls over one shared http.Client.
type Client struct {
	httpClient *http.Client
}

// NewClient wraps the given transport. Deadlines are enforced per call by Send,
// so the http.Client itself carries none.
func NewClient(rt http.RoundTripper) *Client {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Client{httpClient: &http.Client{Transport: rt}}
}

type sendResult struct {
	result CallResult
	err    error
}

// Send performs one POST to address and classifies the outcome. The call races
// a timer; when the timer wins the call is abandoned and its context cancelled.
// Send never retries.
func (c *Client) Send(ctx context.Context, address string, req *jsonrpc.Request, timeout time.Duration) (CallResult, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan sendResult, 1)
	go func() {
		result, err := c.do(callCtx, address, req)
		done <- sendResult{result, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.result, r.err
	case <-timer.C:
		return CallResult{}, &Error{Kind: Timeout, Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return CallResult{}, &Error{Kind: RequestFailed, Err: ctx.Err()}
	}
}

func (c *Client) do(ctx context.Context, address string, req *jsonrpc.Request) (CallResult, error) {
	payload, err := jsonrpc.EncodeRequest(req)
	if err != nil {
		return CallResult{}, &Error{Kind: RequestFailed, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(payload))
	if err != nil {
		return CallResult{}, &Error{Kind: RequestFailed, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CallResult{}, &Error{Kind: RequestFailed, Err: err}
	}
	defer resp.Body.Close()

	return classify(resp)
}

func classify(resp *http.Response) (CallResult, error) {
	switch {
	case resp.StatusCode >= 500:
		return CallResult{}, &Error{Kind: ServerError, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return CallResult{}, &Error{Kind: ClientError, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// redirects and informational codes are not JSON-RPC answers
		return CallResult{}, &Error{Kind: ClientError, StatusCode: resp.StatusCode}
	}

	body, err := readBody(resp)
	if err != nil {
		return CallResult{}, &Error{Kind: RequestFailed, Err: err}
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return CallResult{Kind: EmptyBody}, nil
	}

	var rpcResp jsonrpc.Response
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return CallResult{}, &Error{Kind: ParseError, Err: err}
	}

	if rpcResp.HasResult() {
		return CallResult{Kind: Success, Response: &rpcResp}, nil
	}
	return CallResult{Kind: NullResult, Response: &rpcResp}, nil
}
