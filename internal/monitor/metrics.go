package monitor

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LatencyBuckets are the histogram buckets for request latency, in seconds.
var LatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

const (
	maxHistoryPoints  = 300
	maxResponseSample = 1000
)

// EndpointMetrics tracks metrics for a specific endpoint
type EndpointMetrics struct {
	Name     string
	Retries  int64
	Failures map[string]int64 // keyed by outcome
	Served   int64
	LastUsed time.Time
}

// RequestDataPoint represents a point in time for request metrics
type RequestDataPoint struct {
	Timestamp  time.Time
	Total      int64
	Successful int64
	Failed     int64
}

// ResponseTimePoint represents response time at a point in time
type ResponseTimePoint struct {
	Timestamp   time.Time
	AverageTime time.Duration
	MinTime     time.Duration
	MaxTime     time.Duration
}

// Snapshot is a consistent copy of the in-memory counters.
type Snapshot struct {
	StartTime          time.Time
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalResponseTime  time.Duration
	MinResponseTime    time.Duration
	MaxResponseTime    time.Duration
	EndpointStats      map[string]EndpointMetrics
}

// Metrics is the process metrics sink. Every instance owns its own Prometheus
// registry so tests and embedders never share collectors.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    prometheus.Counter
	requestsSuccess  prometheus.Counter
	requestsFailure  prometheus.Counter
	requestLatency   prometheus.Histogram
	endpointRetries  *prometheus.CounterVec
	endpointFailures *prometheus.CounterVec
	endpointServed   *prometheus.CounterVec

	mu sync.RWMutex

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	totalResponseTime  time.Duration
	minResponseTime    time.Duration
	maxResponseTime    time.Duration
	responseTimes      []time.Duration
	endpointStats      map[string]*EndpointMetrics
	startTime          time.Time

	requestHistory  []RequestDataPoint
	responseHistory []ResponseTimePoint
}

// NewMetrics creates a metrics sink with a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Total number of RPC requests",
		}),
		requestsSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_requests_success_total",
			Help: "Total number of RPC requests answered with a result",
		}),
		requestsFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpc_requests_failure_total",
			Help: "Total number of RPC requests answered without a result",
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rpc_request_latency_seconds",
			Help:    "RPC request latency in seconds",
			Buckets: LatencyBuckets,
		}),
		endpointRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_endpoint_retries_total",
			Help: "Total number of same-endpoint retries",
		}, []string{"endpoint"}),
		endpointFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_endpoint_failures_total",
			Help: "Endpoints that gave up on a request, by outcome",
		}, []string{"endpoint", "outcome"}),
		endpointServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpc_endpoint_served_total",
			Help: "Requests answered with a result, by endpoint",
		}, []string{"endpoint"}),
		endpointStats: make(map[string]*EndpointMetrics),
		startTime:     time.Now(),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestsSuccess,
		m.requestsFailure,
		m.requestLatency,
		m.endpointRetries,
		m.endpointFailures,
		m.endpointServed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// IncRequests counts an inbound request.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
	m.mu.Lock()
	m.totalRequests++
	m.mu.Unlock()
}

// IncSuccess counts a request answered with a result.
func (m *Metrics) IncSuccess() {
	m.requestsSuccess.Inc()
	m.mu.Lock()
	m.successfulRequests++
	m.mu.Unlock()
}

// IncFailure counts a request answered without a result.
func (m *Metrics) IncFailure() {
	m.requestsFailure.Inc()
	m.mu.Lock()
	m.failedRequests++
	m.mu.Unlock()
}

// ObserveLatency records the end-to-end time of one request.
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.requestLatency.Observe(d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalResponseTime += d
	if m.minResponseTime == 0 || d < m.minResponseTime {
		m.minResponseTime = d
	}
	if d > m.maxResponseTime {
		m.maxResponseTime = d
	}
	m.responseTimes = append(m.responseTimes, d)
	if len(m.responseTimes) > maxResponseSample {
		m.responseTimes = m.responseTimes[len(m.responseTimes)-maxResponseSample:]
	}
}

// IncEndpointRetry counts a same-endpoint retry.
func (m *Metrics) IncEndpointRetry(endpoint string) {
	m.endpointRetries.WithLabelValues(endpoint).Inc()
	m.mu.Lock()
	m.endpointLocked(endpoint).Retries++
	m.mu.Unlock()
}

// IncEndpointFailure counts an endpoint giving up on a request.
func (m *Metrics) IncEndpointFailure(endpoint, outcome string) {
	m.endpointFailures.WithLabelValues(endpoint, outcome).Inc()
	m.mu.Lock()
	m.endpointLocked(endpoint).Failures[outcome]++
	m.mu.Unlock()
}

// IncEndpointServed counts a request answered by endpoint.
func (m *Metrics) IncEndpointServed(endpoint string) {
	m.endpointServed.WithLabelValues(endpoint).Inc()
	m.mu.Lock()
	ep := m.endpointLocked(endpoint)
	ep.Served++
	ep.LastUsed = time.Now()
	m.mu.Unlock()
}

func (m *Metrics) endpointLocked(name string) *EndpointMetrics {
	ep, ok := m.endpointStats[name]
	if !ok {
		ep = &EndpointMetrics{Name: name, Failures: make(map[string]int64)}
		m.endpointStats[name] = ep
	}
	return ep
}

// Snapshot returns a copy of the in-memory counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]EndpointMetrics, len(m.endpointStats))
	for name, ep := range m.endpointStats {
		failures := make(map[string]int64, len(ep.Failures))
		for k, v := range ep.Failures {
			failures[k] = v
		}
		cp := *ep
		cp.Failures = failures
		stats[name] = cp
	}

	return Snapshot{
		StartTime:          m.startTime,
		TotalRequests:      m.totalRequests,
		SuccessfulRequests: m.successfulRequests,
		FailedRequests:     m.failedRequests,
		TotalResponseTime:  m.totalResponseTime,
		MinResponseTime:    m.minResponseTime,
		MaxResponseTime:    m.maxResponseTime,
		EndpointStats:      stats,
	}
}

// GetAverageResponseTime calculates average response time
func (m *Metrics) GetAverageResponseTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageLocked()
}

func (m *Metrics) averageLocked() time.Duration {
	n := len(m.responseTimes)
	if m.totalRequests == 0 || n == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range m.responseTimes {
		sum += d
	}
	return sum / time.Duration(n)
}

// GetSuccessRate calculates success rate as percentage
func (m *Metrics) GetSuccessRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.totalRequests == 0 {
		return 0
	}
	return float64(m.successfulRequests) / float64(m.totalRequests) * 100
}

// GetP95ResponseTime calculates the 95th percentile over recent requests.
func (m *Metrics) GetP95ResponseTime() time.Duration {
	m.mu.RLock()
	sample := make([]time.Duration, len(m.responseTimes))
	copy(sample, m.responseTimes)
	m.mu.RUnlock()

	if len(sample) == 0 {
		return 0
	}
	sort.Slice(sample, func(i, j int) bool { return sample[i] < sample[j] })
	index := int(float64(len(sample)) * 0.95)
	if index >= len(sample) {
		index = len(sample) - 1
	}
	return sample[index]
}

// AddHistoryDataPoints appends one point to the request and latency history.
func (m *Metrics) AddHistoryDataPoints() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.requestHistory = append(m.requestHistory, RequestDataPoint{
		Timestamp:  now,
		Total:      m.totalRequests,
		Successful: m.successfulRequests,
		Failed:     m.failedRequests,
	})
	m.responseHistory = append(m.responseHistory, ResponseTimePoint{
		Timestamp:   now,
		AverageTime: m.averageLocked(),
		MinTime:     m.minResponseTime,
		MaxTime:     m.maxResponseTime,
	})

	if len(m.requestHistory) > maxHistoryPoints {
		m.requestHistory = m.requestHistory[len(m.requestHistory)-maxHistoryPoints:]
	}
	if len(m.responseHistory) > maxHistoryPoints {
		m.responseHistory = m.responseHistory[len(m.responseHistory)-maxHistoryPoints:]
	}
}

// GetChartDataForRequestHistory returns request points from the last minutes.
func (m *Metrics) GetChartDataForRequestHistory(minutes int) []RequestDataPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
	var out []RequestDataPoint
	for _, p := range m.requestHistory {
		if p.Timestamp.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// GetChartDataForResponseTime returns latency points from the last minutes.
func (m *Metrics) GetChartDataForResponseTime(minutes int) []ResponseTimePoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
	var out []ResponseTimePoint
	for _, p := range m.responseHistory {
		if p.Timestamp.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}
