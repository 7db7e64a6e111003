package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MethodSummary 按RPC方法聚合的统计
type MethodSummary struct {
	Method        string  `json:"method"`
	Total         int64   `json:"total"`
	Success       int64   `json:"success"`
	Failure       int64   `json:"failure"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	MaxDurationMs int64   `json:"max_duration_ms"`
}

// EndpointSummary 按服务端点聚合的统计
type EndpointSummary struct {
	Endpoint      string  `json:"endpoint"`
	Served        int64   `json:"served"`
	AvgAttempts   float64 `json:"avg_attempts"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

const maxRecentLimit = 1000

// RecentRequests 最近的请求记录，按时间倒序
func (rt *RequestTracker) RecentRequests(ctx context.Context, limit int) ([]RequestRecord, error) {
	if !rt.Enabled() {
		return []RequestRecord{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := rt.adapter.GetDB().QueryContext(ctx, `
		SELECT id, request_id, method, rpc_id, route_index, endpoint_name, outcome,
		       error_code, error_message, attempts, endpoints_tried, duration_ms, client_ip, created_at
		FROM request_logs
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent requests: %w", err)
	}
	defer rows.Close()

	records := make([]RequestRecord, 0, limit)
	for rows.Next() {
		var (
			rec                               RequestRecord
			rpcID, endpoint, errMsg, clientIP sql.NullString
			durationMs, createdAt             int64
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.Method, &rpcID, &rec.RouteIndex,
			&endpoint, &rec.Outcome, &rec.ErrorCode, &errMsg, &rec.Attempts,
			&rec.EndpointsTried, &durationMs, &clientIP, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan request record: %w", err)
		}
		rec.RPCID = rpcID.String
		rec.Endpoint = endpoint.String
		rec.ErrorMessage = errMsg.String
		rec.ClientIP = clientIP.String
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SummaryByMethod 统计 since 之后每个方法的请求量和耗时
func (rt *RequestTracker) SummaryByMethod(ctx context.Context, since time.Time) ([]MethodSummary, error) {
	if !rt.Enabled() {
		return []MethodSummary{}, nil
	}

	rows, err := rt.adapter.GetDB().QueryContext(ctx, `
		SELECT method,
		       COUNT(*),
		       SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
		       AVG(duration_ms),
		       MAX(duration_ms)
		FROM request_logs
		WHERE created_at >= ?
		GROUP BY method
		ORDER BY COUNT(*) DESC, method ASC`, OutcomeSuccess, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query method summary: %w", err)
	}
	defer rows.Close()

	var summaries []MethodSummary
	for rows.Next() {
		var (
			s      MethodSummary
			avg    sql.NullFloat64
			maxDur sql.NullInt64
		)
		if err := rows.Scan(&s.Method, &s.Total, &s.Success, &avg, &maxDur); err != nil {
			return nil, fmt.Errorf("failed to scan method summary: %w", err)
		}
		s.Failure = s.Total - s.Success
		s.AvgDurationMs = avg.Float64
		s.MaxDurationMs = maxDur.Int64
		summaries = append(summaries, s)
	}
	if summaries == nil {
		summaries = []MethodSummary{}
	}
	return summaries, rows.Err()
}

// SummaryByEndpoint 统计 since 之后每个端点成功服务的请求
func (rt *RequestTracker) SummaryByEndpoint(ctx context.Context, since time.Time) ([]EndpointSummary, error) {
	if !rt.Enabled() {
		return []EndpointSummary{}, nil
	}

	rows, err := rt.adapter.GetDB().QueryContext(ctx, `
		SELECT endpoint_name, COUNT(*), AVG(attempts), AVG(duration_ms)
		FROM request_logs
		WHERE created_at >= ? AND outcome = ? AND endpoint_name <> ''
		GROUP BY endpoint_name
		ORDER BY COUNT(*) DESC, endpoint_name ASC`, since.UnixMilli(), OutcomeSuccess)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoint summary: %w", err)
	}
	defer rows.Close()

	summaries := []EndpointSummary{}
	for rows.Next() {
		var (
			s             EndpointSummary
			attempts, dur sql.NullFloat64
		)
		if err := rows.Scan(&s.Endpoint, &s.Served, &attempts, &dur); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint summary: %w", err)
		}
		s.AvgAttempts = attempts.Float64
		s.AvgDurationMs = dur.Float64
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
