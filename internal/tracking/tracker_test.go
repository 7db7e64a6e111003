package tracking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpc-forwarder/config"
)

func newTestTracker(t *testing.T, mutate func(*config.UsageTrackingConfig)) *RequestTracker {
	t.Helper()
	cfg := &config.UsageTrackingConfig{
		Enabled: true,
		Database: &config.DatabaseBackendConfig{
			Type: "sqlite",
			Path: ":memory:",
		},
		BufferSize:      100,
		BatchSize:       10,
		FlushInterval:   time.Hour,
		MaxRetry:        1,
		RetentionDays:   30,
		CleanupInterval: time.Hour,
	}
	if mutate != nil {
		mutate(cfg)
	}
	rt, err := NewRequestTracker(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestDisabledTrackerIsNoop(t *testing.T) {
	rt, err := NewRequestTracker(&config.UsageTrackingConfig{Enabled: false}, nil)
	require.NoError(t, err)

	assert.False(t, rt.Enabled())
	rt.Record(RequestRecord{RequestID: "r1", Method: "eth_call"})
	assert.NoError(t, rt.ForceFlush(context.Background()))
	assert.NoError(t, rt.HealthCheck(context.Background()))

	recent, err := rt.RecentRequests(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)
	assert.NoError(t, rt.Close())
}

func TestRecordAndRecentRequests(t *testing.T) {
	rt := newTestTracker(t, nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	rt.Record(RequestRecord{
		RequestID:      "req-1",
		Method:         "eth_call",
		RPCID:          "1",
		RouteIndex:     0,
		Endpoint:       "b",
		Outcome:        OutcomeSuccess,
		Attempts:       3,
		EndpointsTried: 2,
		Duration:       120 * time.Millisecond,
		ClientIP:       "127.0.0.1",
		CreatedAt:      base,
	})
	rt.Record(RequestRecord{
		RequestID:    "req-2",
		Method:       "eth_foo",
		RPCID:        `"x"`,
		RouteIndex:   -1,
		Outcome:      "method_not_found",
		ErrorCode:    -32601,
		ErrorMessage: "Method not found",
		CreatedAt:    base.Add(time.Second),
	})

	require.NoError(t, rt.ForceFlush(ctx))

	recent, err := rt.RecentRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	assert.Equal(t, "req-2", recent[0].RequestID)
	assert.Equal(t, -32601, recent[0].ErrorCode)
	assert.Equal(t, -1, recent[0].RouteIndex)
	assert.Equal(t, "", recent[0].Endpoint)

	assert.Equal(t, "req-1", recent[1].RequestID)
	assert.Equal(t, "b", recent[1].Endpoint)
	assert.Equal(t, 3, recent[1].Attempts)
	assert.Equal(t, 2, recent[1].EndpointsTried)
	assert.Equal(t, 120*time.Millisecond, recent[1].Duration)
	assert.Equal(t, base.UnixMilli(), recent[1].CreatedAt.UnixMilli())
	assert.Equal(t, int64(2), rt.WrittenCount())

	limited, err := rt.RecentRequests(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	rt := newTestTracker(t, func(c *config.UsageTrackingConfig) { c.BatchSize = 3 })

	for i := 0; i < 3; i++ {
		rt.Record(RequestRecord{RequestID: fmt.Sprintf("req-%d", i), Method: "eth_call", Outcome: OutcomeSuccess})
	}

	assert.Eventually(t, func() bool {
		return rt.WrittenCount() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFullBufferDropsRecords(t *testing.T) {
	// 没有处理循环消费的跟踪器
	rt := &RequestTracker{
		config:  &config.UsageTrackingConfig{Enabled: true},
		adapter: NewSQLiteAdapter(DatabaseConfig{Path: ":memory:"}),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		records: make(chan RequestRecord, 2),
	}

	for i := 0; i < 5; i++ {
		rt.Record(RequestRecord{RequestID: fmt.Sprintf("req-%d", i), Method: "eth_call"})
	}

	assert.Len(t, rt.records, 2)
	assert.Equal(t, int64(3), rt.DroppedCount())
}

func TestSummaryByMethod(t *testing.T) {
	rt := newTestTracker(t, nil)
	ctx := context.Background()
	now := time.Now()

	records := []RequestRecord{
		{RequestID: "1", Method: "eth_call", Endpoint: "a", Outcome: OutcomeSuccess, Attempts: 1, Duration: 100 * time.Millisecond, CreatedAt: now},
		{RequestID: "2", Method: "eth_call", Endpoint: "b", Outcome: OutcomeSuccess, Attempts: 3, Duration: 300 * time.Millisecond, CreatedAt: now},
		{RequestID: "3", Method: "eth_call", Outcome: "exhausted", Duration: 50 * time.Millisecond, CreatedAt: now},
		{RequestID: "4", Method: "eth_getBalance", Endpoint: "a", Outcome: OutcomeSuccess, Attempts: 1, Duration: 10 * time.Millisecond, CreatedAt: now},
		{RequestID: "5", Method: "eth_call", Endpoint: "a", Outcome: OutcomeSuccess, Attempts: 1, CreatedAt: now.Add(-48 * time.Hour)},
	}
	for _, rec := range records {
		rt.Record(rec)
	}
	require.NoError(t, rt.ForceFlush(ctx))

	summary, err := rt.SummaryByMethod(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, summary, 2)

	assert.Equal(t, "eth_call", summary[0].Method)
	assert.Equal(t, int64(3), summary[0].Total)
	assert.Equal(t, int64(2), summary[0].Success)
	assert.Equal(t, int64(1), summary[0].Failure)
	assert.InDelta(t, 150.0, summary[0].AvgDurationMs, 0.001)
	assert.Equal(t, int64(300), summary[0].MaxDurationMs)

	assert.Equal(t, "eth_getBalance", summary[1].Method)
	assert.Equal(t, int64(1), summary[1].Total)

	endpoints, err := rt.SummaryByEndpoint(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	assert.Equal(t, "a", endpoints[0].Endpoint)
	assert.Equal(t, int64(2), endpoints[0].Served)
	assert.Equal(t, "b", endpoints[1].Endpoint)
	assert.InDelta(t, 3.0, endpoints[1].AvgAttempts, 0.001)
}

func TestCleanupOldRecords(t *testing.T) {
	rt := newTestTracker(t, func(c *config.UsageTrackingConfig) { c.RetentionDays = 7 })
	ctx := context.Background()
	now := time.Now()

	rt.Record(RequestRecord{RequestID: "old", Method: "eth_call", Outcome: OutcomeSuccess, CreatedAt: now.AddDate(0, 0, -10)})
	rt.Record(RequestRecord{RequestID: "new", Method: "eth_call", Outcome: OutcomeSuccess, CreatedAt: now})
	require.NoError(t, rt.ForceFlush(ctx))

	deleted, err := rt.CleanupOldRecords(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	recent, err := rt.RecentRequests(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].RequestID)
}

func TestCleanupDisabledWithZeroRetention(t *testing.T) {
	rt := newTestTracker(t, func(c *config.UsageTrackingConfig) { c.RetentionDays = 0 })

	deleted, err := rt.CleanupOldRecords(context.Background(), time.Now().AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestHealthCheckAndClose(t *testing.T) {
	rt := newTestTracker(t, nil)
	ctx := context.Background()

	require.NoError(t, rt.HealthCheck(ctx))
	stats := rt.Stats()
	assert.Equal(t, true, stats["enabled"])
	assert.Equal(t, "sqlite", stats["database_type"])

	rt.Record(RequestRecord{RequestID: "pending", Method: "eth_call", Outcome: OutcomeSuccess})
	require.NoError(t, rt.Close())
	assert.Equal(t, int64(1), rt.WrittenCount())

	assert.Error(t, rt.HealthCheck(ctx))
	assert.NoError(t, rt.Close())

	// 关闭后的记录直接忽略
	rt.Record(RequestRecord{RequestID: "late"})
	assert.Equal(t, int64(0), rt.DroppedCount())
}

func TestDatabaseAdapterFactory(t *testing.T) {
	a, err := NewDatabaseAdapter(DatabaseConfig{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", a.GetDatabaseType())

	a, err = NewDatabaseAdapter(DatabaseConfig{Host: "db.local", Database: "rpc"})
	require.NoError(t, err)
	assert.Equal(t, "mysql", a.GetDatabaseType())

	_, err = NewDatabaseAdapter(DatabaseConfig{Type: "postgres"})
	assert.Error(t, err)
}

func TestMySQLBuildDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Type:     "mysql",
		Host:     "db.local",
		Database: "rpc",
		Username: "forwarder",
		Password: "secret",
	}
	setDefaultConfig(&cfg)
	adapter := NewMySQLAdapter(cfg)

	dsn, err := adapter.buildDSN()
	require.NoError(t, err)
	assert.Contains(t, dsn, "forwarder:secret@tcp(db.local:3306)/rpc")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "charset=utf8mb4")

	missing := NewMySQLAdapter(DatabaseConfig{Type: "mysql", Database: "rpc", Username: "u"})
	_, err = missing.buildDSN()
	assert.ErrorContains(t, err, "host is required")
}
