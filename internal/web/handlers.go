package web

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"rpc-forwarder/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultSummaryHours = 24
	maxSummaryHours     = 24 * 90
	defaultChartMinutes = 30
)

const indexHTML = `<!DOCTYPE html>
<html lang="zh-CN">
<head><meta charset="utf-8"><title>RPC Forwarder</title></head>
<body>
<h1>RPC Forwarder</h1>
<ul>
<li><a href="/api/v1/status">/api/v1/status</a></li>
<li><a href="/api/v1/routes">/api/v1/routes</a></li>
<li><a href="/api/v1/requests?limit=50">/api/v1/requests</a></li>
<li><a href="/api/v1/summary?hours=24">/api/v1/summary</a></li>
<li><a href="/api/v1/events">/api/v1/events</a> (SSE)</li>
</ul>
</body>
</html>`

func (ws *WebServer) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

func (ws *WebServer) handleHealth(c *gin.Context) {
	total, healthy := 0, 0
	for _, route := range ws.dispatcher.Routes() {
		for _, ep := range route.Endpoints {
			total++
			if ep.IsHealthy() {
				healthy++
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"routes":            len(ws.dispatcher.Routes()),
		"endpoints":         total,
		"healthy_endpoints": healthy,
	})
}

func (ws *WebServer) statusPayload() gin.H {
	snap := ws.metrics.Snapshot()
	uptime := time.Since(ws.startTime)

	status := gin.H{
		"status":         "running",
		"start_time":     ws.startTime.Format("2006-01-02 15:04:05"),
		"uptime":         utils.FormatUptime(uptime),
		"uptime_seconds": int64(uptime.Seconds()),
		"config_path":    ws.configPath,
		"requests": gin.H{
			"total":             snap.TotalRequests,
			"success":           snap.SuccessfulRequests,
			"failure":           snap.FailedRequests,
			"success_rate":      ws.metrics.GetSuccessRate(),
			"avg_response_time": utils.FormatResponseTime(ws.metrics.GetAverageResponseTime()),
			"p95_response_time": utils.FormatResponseTime(ws.metrics.GetP95ResponseTime()),
			"min_response_time": utils.FormatResponseTime(snap.MinResponseTime),
			"max_response_time": utils.FormatResponseTime(snap.MaxResponseTime),
		},
		"sse_clients": ws.eventManager.GetClientCount(),
	}
	if ws.eventBus != nil {
		status["events"] = ws.eventBus.GetStats()
	}
	if ws.tracker != nil {
		status["tracking"] = ws.tracker.Stats()
	}
	return status
}

func (ws *WebServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, ws.statusPayload())
}

type endpointView struct {
	Name             string           `json:"name"`
	Address          string           `json:"address"`
	Retries          int              `json:"retries"`
	Timeout          string           `json:"timeout"`
	Healthy          bool             `json:"healthy"`
	NeverUsed        bool             `json:"never_used"`
	ConsecutiveFails int              `json:"consecutive_fails"`
	TotalAttempts    int64            `json:"total_attempts"`
	LastOutcome      string           `json:"last_outcome,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	ResponseTime     string           `json:"response_time"`
	LastUsed         string           `json:"last_used,omitempty"`
	Served           int64            `json:"served"`
	Retried          int64            `json:"retried"`
	Failures         map[string]int64 `json:"failures,omitempty"`
}

type routeView struct {
	Index     int            `json:"index"`
	Methods   []string       `json:"methods"`
	Endpoints []endpointView `json:"endpoints"`
}

func (ws *WebServer) handleRoutes(c *gin.Context) {
	snap := ws.metrics.Snapshot()
	routes := ws.dispatcher.Routes()

	views := make([]routeView, 0, len(routes))
	for i, route := range routes {
		methods := route.MethodNames()
		sort.Strings(methods)

		rv := routeView{Index: i, Methods: methods, Endpoints: make([]endpointView, 0, len(route.Endpoints))}
		for _, ep := range route.Endpoints {
			status := ep.GetStatus()
			ev := endpointView{
				Name:             ep.Name(),
				Address:          ep.Config.Address,
				Retries:          ep.Config.Retries,
				Timeout:          ep.Config.Timeout.String(),
				Healthy:          status.Healthy,
				NeverUsed:        status.NeverUsed,
				ConsecutiveFails: status.ConsecutiveFails,
				TotalAttempts:    status.TotalAttempts,
				LastOutcome:      status.LastOutcome,
				LastError:        status.LastError,
				ResponseTime:     utils.FormatResponseTime(status.ResponseTime),
			}
			if !status.LastUsed.IsZero() {
				ev.LastUsed = status.LastUsed.Format("2006-01-02 15:04:05")
			}
			if em, ok := snap.EndpointStats[ep.Name()]; ok {
				ev.Served = em.Served
				ev.Retried = em.Retries
				ev.Failures = em.Failures
			}
			rv.Endpoints = append(rv.Endpoints, ev)
		}
		views = append(views, rv)
	}

	c.JSON(http.StatusOK, gin.H{"routes": views, "total": len(views)})
}

func (ws *WebServer) handleRequests(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	if ws.tracker == nil || !ws.tracker.Enabled() {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "requests": []interface{}{}, "total": 0})
		return
	}

	records, err := ws.tracker.RecentRequests(c.Request.Context(), limit)
	if err != nil {
		ws.logger.Error("查询请求记录失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "requests": records, "total": len(records)})
}

func (ws *WebServer) handleSummary(c *gin.Context) {
	hours := defaultSummaryHours
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxSummaryHours {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be between 1 and 2160"})
			return
		}
		hours = n
	}

	if ws.tracker == nil || !ws.tracker.Enabled() {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "hours": hours, "methods": []interface{}{}, "endpoints": []interface{}{}})
		return
	}

	ctx := c.Request.Context()
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	methods, err := ws.tracker.SummaryByMethod(ctx, since)
	if err != nil {
		ws.logger.Error("按方法统计失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	endpoints, err := ws.tracker.SummaryByEndpoint(ctx, since)
	if err != nil {
		ws.logger.Error("按端点统计失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"enabled":   true,
		"hours":     hours,
		"methods":   methods,
		"endpoints": endpoints,
	})
}

func chartMinutes(c *gin.Context) int {
	if n, err := strconv.Atoi(c.Query("minutes")); err == nil && n > 0 {
		return n
	}
	return defaultChartMinutes
}

func (ws *WebServer) handleRequestTrends(c *gin.Context) {
	points := ws.metrics.GetChartDataForRequestHistory(chartMinutes(c))

	labels := make([]string, 0, len(points))
	total := make([]int64, 0, len(points))
	success := make([]int64, 0, len(points))
	failed := make([]int64, 0, len(points))
	for _, p := range points {
		labels = append(labels, p.Timestamp.Format("15:04:05"))
		total = append(total, p.Total)
		success = append(success, p.Successful)
		failed = append(failed, p.Failed)
	}

	c.JSON(http.StatusOK, gin.H{
		"labels": labels,
		"datasets": []gin.H{
			{"label": "总请求数", "data": total},
			{"label": "成功请求", "data": success},
			{"label": "失败请求", "data": failed},
		},
	})
}

func (ws *WebServer) handleResponseTimes(c *gin.Context) {
	points := ws.metrics.GetChartDataForResponseTime(chartMinutes(c))

	labels := make([]string, 0, len(points))
	avg := make([]int64, 0, len(points))
	minTimes := make([]int64, 0, len(points))
	maxTimes := make([]int64, 0, len(points))
	for _, p := range points {
		labels = append(labels, p.Timestamp.Format("15:04:05"))
		avg = append(avg, p.AverageTime.Milliseconds())
		minTimes = append(minTimes, p.MinTime.Milliseconds())
		maxTimes = append(maxTimes, p.MaxTime.Milliseconds())
	}

	c.JSON(http.StatusOK, gin.H{
		"labels": labels,
		"datasets": []gin.H{
			{"label": "平均响应时间", "data": avg},
			{"label": "最小响应时间", "data": minTimes},
			{"label": "最大响应时间", "data": maxTimes},
		},
	})
}

// parseEventFilter 解析 events=request,endpoint 形式的订阅参数，空值使用默认订阅
func parseEventFilter(eventsParam string) map[EventType]bool {
	if strings.TrimSpace(eventsParam) == "" {
		return nil
	}

	filter := make(map[EventType]bool)
	for _, name := range strings.Split(eventsParam, ",") {
		switch t := EventType(strings.TrimSpace(name)); t {
		case EventTypeStatus, EventTypeRequest, EventTypeEndpoint, EventTypeConfig:
			filter[t] = true
		}
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

func (ws *WebServer) handleSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	client := ws.eventManager.AddClient(clientID, parseEventFilter(c.Query("events")))
	defer ws.eventManager.RemoveClient(client)

	c.SSEvent(string(EventTypeConnection), gin.H{
		"client_id": clientID,
		"status":    "established",
		"message":   "SSE连接已建立",
		"timestamp": time.Now().Format("2006-01-02 15:04:05"),
	})
	c.SSEvent(string(EventTypeStatus), ws.statusPayload())
	c.Writer.Flush()

	ctx := c.Request.Context()
	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-client.Channel:
			if !ok {
				return
			}
			client.touch()
			c.SSEvent(string(event.Type), event.Data)
			c.Writer.Flush()
		case <-ping.C:
			client.touch()
			c.SSEvent("ping", gin.H{"timestamp": time.Now().Format("2006-01-02 15:04:05")})
			c.Writer.Flush()
		case <-ctx.Done():
			ws.logger.Debug("SSE客户端断开连接", "client_id", clientID)
			return
		}
	}
}
