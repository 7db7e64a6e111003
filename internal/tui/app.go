package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rpc-forwarder/config"
	"rpc-forwarder/internal/monitor"
	"rpc-forwarder/internal/proxy"
	"rpc-forwarder/internal/utils"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const maxLogLines = 500

type logEntry struct {
	at      time.Time
	level   string
	message string
	source  string
}

// TUIApp is the terminal dashboard: counters, route table and log pane.
type TUIApp struct {
	app        *tview.Application
	stats      *tview.TextView
	routes     *tview.Table
	logs       *tview.TextView
	cfg        *config.Config
	dispatcher *proxy.Dispatcher
	metrics    *monitor.Metrics
	startTime  time.Time
	configPath string

	logMu    sync.Mutex
	logLines []logEntry
	logDirty bool

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
}

// NewTUIApp builds the widgets; nothing is drawn until Run.
func NewTUIApp(cfg *config.Config, dispatcher *proxy.Dispatcher, metrics *monitor.Metrics, startTime time.Time, configPath string) *TUIApp {
	ctx, cancel := context.WithCancel(context.Background())

	t := &TUIApp{
		app:        tview.NewApplication(),
		stats:      tview.NewTextView().SetDynamicColors(true),
		routes:     tview.NewTable().SetBorders(false).SetFixed(1, 0),
		logs:       tview.NewTextView().SetDynamicColors(true).SetScrollable(true),
		cfg:        cfg,
		dispatcher: dispatcher,
		metrics:    metrics,
		startTime:  startTime,
		configPath: configPath,
		ctx:        ctx,
		cancel:     cancel,
	}

	t.stats.SetBorder(true).SetTitle(" 📊 RPC Forwarder ")
	t.routes.SetBorder(true).SetTitle(" 🔀 路由 / 端点 ")
	t.logs.SetBorder(true).SetTitle(" 📝 日志 ")
	t.logs.SetChangedFunc(func() { t.logs.ScrollToEnd() })

	t.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Key() == tcell.KeyCtrlC, event.Rune() == 'q':
			t.Stop()
			return nil
		}
		return event
	})

	return t
}

// AddLog implements logging.LogSink. It never blocks: the refresh loop
// redraws the pane.
func (t *TUIApp) AddLog(level, message, source string) {
	t.logMu.Lock()
	defer t.logMu.Unlock()

	t.logLines = append(t.logLines, logEntry{at: time.Now(), level: level, message: message, source: source})
	if len(t.logLines) > maxLogLines {
		t.logLines = t.logLines[len(t.logLines)-maxLogLines:]
	}
	t.logDirty = true
}

// Run blocks until the dashboard exits.
func (t *TUIApp) Run() error {
	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(t.stats, 7, 0, false).
		AddItem(t.routes, 0, 1, false).
		AddItem(t.logs, 0, 2, true)

	t.refresh()
	t.running.Store(true)
	defer t.running.Store(false)

	go t.refreshLoop()

	return t.app.SetRoot(layout, true).EnableMouse(false).Run()
}

// Stop exits the dashboard; safe to call more than once.
func (t *TUIApp) Stop() {
	t.cancel()
	if t.running.Load() {
		t.app.Stop()
	}
}

func (t *TUIApp) refreshLoop() {
	interval := time.Second
	if t.cfg != nil && t.cfg.TUI.UpdateInterval > 0 {
		interval = t.cfg.TUI.UpdateInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.app.QueueUpdateDraw(t.refresh)
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *TUIApp) refresh() {
	t.stats.SetText(t.renderStats())
	t.fillRouteTable()

	t.logMu.Lock()
	dirty := t.logDirty
	t.logDirty = false
	t.logMu.Unlock()
	if dirty {
		t.logs.SetText(t.renderLogs())
	}
}

func (t *TUIApp) renderStats() string {
	snap := t.metrics.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, " [yellow]运行时间:[white] %s    [yellow]配置:[white] %s\n",
		utils.FormatUptime(time.Since(t.startTime)), tview.Escape(t.configPath))
	if t.cfg != nil {
		fmt.Fprintf(&b, " [yellow]监听:[white] %s:%d\n", t.cfg.Server.Host, t.cfg.Server.Port)
	}
	fmt.Fprintf(&b, " [yellow]总请求:[white] %d    [green]成功:[white] %d    [red]失败:[white] %d    [yellow]成功率:[white] %s\n",
		snap.TotalRequests, snap.SuccessfulRequests, snap.FailedRequests,
		utils.FormatPercentage(snap.SuccessfulRequests, snap.TotalRequests))
	fmt.Fprintf(&b, " [yellow]平均耗时:[white] %s    [yellow]P95:[white] %s    [yellow]最大:[white] %s",
		utils.FormatResponseTime(t.metrics.GetAverageResponseTime()),
		utils.FormatResponseTime(t.metrics.GetP95ResponseTime()),
		utils.FormatResponseTime(snap.MaxResponseTime))
	return b.String()
}

var routeHeaders = []string{"路由", "方法", "端点", "地址", "重试", "状态", "服务", "重试次数", "最近耗时"}

func (t *TUIApp) fillRouteTable() {
	t.routes.Clear()
	for col, h := range routeHeaders {
		t.routes.SetCell(0, col, tview.NewTableCell(h).SetTextColor(tcell.ColorYellow).SetSelectable(false))
	}

	snap := t.metrics.Snapshot()
	row := 1
	for i, route := range t.dispatcher.Routes() {
		methods := route.MethodNames()
		sort.Strings(methods)

		for j, ep := range route.Endpoints {
			status := ep.GetStatus()
			routeCell, methodCell := "", ""
			if j == 0 {
				routeCell = fmt.Sprintf("#%d", i)
				methodCell = strings.Join(methods, ",")
			}

			state, color := "✅ 健康", tcell.ColorGreen
			switch {
			case status.NeverUsed:
				state, color = "⚪ 未使用", tcell.ColorGray
			case !status.Healthy:
				state, color = "❌ 异常", tcell.ColorRed
			}

			em := snap.EndpointStats[ep.Name()]
			cells := []*tview.TableCell{
				tview.NewTableCell(routeCell),
				tview.NewTableCell(tview.Escape(methodCell)).SetMaxWidth(40),
				tview.NewTableCell(tview.Escape(ep.Name())),
				tview.NewTableCell(tview.Escape(ep.Config.Address)),
				tview.NewTableCell(fmt.Sprintf("%d", ep.Config.Retries)),
				tview.NewTableCell(state).SetTextColor(color),
				tview.NewTableCell(fmt.Sprintf("%d", em.Served)),
				tview.NewTableCell(fmt.Sprintf("%d", em.Retries)),
				tview.NewTableCell(utils.FormatResponseTime(status.ResponseTime)),
			}
			for col, cell := range cells {
				t.routes.SetCell(row, col, cell)
			}
			row++
		}
	}
}

func levelColor(level string) string {
	switch level {
	case "ERROR":
		return "red"
	case "WARN":
		return "yellow"
	case "DEBUG":
		return "gray"
	default:
		return "white"
	}
}

func (t *TUIApp) renderLogs() string {
	t.logMu.Lock()
	defer t.logMu.Unlock()

	var b strings.Builder
	for _, e := range t.logLines {
		fmt.Fprintf(&b, "[gray]%s[-] [%s]%-5s[-] %s\n",
			e.at.Format("15:04:05"), levelColor(e.level), e.level, tview.Escape(e.message))
	}
	return b.String()
}
