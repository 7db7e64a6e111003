package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"rpc-forwarder/config"
)

const maxDisplayLength = 500

// LogSink receives formatted log lines, e.g. the TUI log pane
type LogSink interface {
	AddLog(level, message, source string)
}

// SimpleHandler formats records as
// [timestamp] [PID:n] [GID:n] [LEVEL] msg k=v ...
type SimpleHandler struct {
	level slog.Leveler
	attrs []slog.Attr
	out   *output
}

type output struct {
	mu          sync.Mutex
	console     io.Writer
	fileRotator *FileRotator
	sink        LogSink
}

// NewSimpleHandler creates a handler writing to console (or sink when set) and an optional file.
func NewSimpleHandler(level slog.Leveler, console io.Writer, fileRotator *FileRotator) *SimpleHandler {
	if console == nil {
		console = os.Stdout
	}
	return &SimpleHandler{
		level: level,
		out:   &output{console: console, fileRotator: fileRotator},
	}
}

// SetSink redirects display output to sink; nil restores the console
func (h *SimpleHandler) SetSink(sink LogSink) {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.sink = sink
}

func (h *SimpleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *SimpleHandler) Handle(_ context.Context, r slog.Record) error {
	message := r.Message

	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	timestamp := ts.Format("2006-01-02 15:04:05.000")
	pid := os.Getpid()
	gid := getGoroutineID()
	level := levelName(r.Level)

	h.out.mu.Lock()
	defer h.out.mu.Unlock()

	if h.out.fileRotator != nil {
		line := fmt.Sprintf("[%s] [PID:%d] [GID:%d] [%s] %s\n", timestamp, pid, gid, level, message)
		if _, err := h.out.fileRotator.Write([]byte(line)); err != nil {
			fmt.Fprintf(os.Stderr, "写入日志文件失败: %v\n", err)
		}
	}

	displayMessage := message
	if len(displayMessage) > maxDisplayLength {
		displayMessage = displayMessage[:maxDisplayLength] + "... (显示截断)"
	}

	if h.out.sink != nil {
		h.out.sink.AddLog(level, displayMessage, "system")
		return nil
	}
	_, err := fmt.Fprintf(h.out.console, "[%s] [PID:%d] [GID:%d] [%s] %s\n", timestamp, pid, gid, level, displayMessage)
	return err
}

func (h *SimpleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SimpleHandler{level: h.level, attrs: merged, out: h.out}
}

func (h *SimpleHandler) WithGroup(name string) slog.Handler {
	// groups are flattened
	return h
}

// Close flushes and closes the log file
func (h *SimpleHandler) Close() error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	if h.out.fileRotator != nil {
		return h.out.fileRotator.Close()
	}
	return nil
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

// ParseLevel maps a config level name to a slog level, defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup builds the process logger from the logging config
func Setup(cfg config.LoggingConfig, console io.Writer) (*slog.Logger, *SimpleHandler) {
	var fileRotator *FileRotator
	if cfg.FileEnabled {
		maxSize, err := ParseSize(cfg.MaxFileSize)
		if err != nil {
			fmt.Printf("警告：无法解析日志文件大小配置 '%s'，使用默认值 100MB: %v\n", cfg.MaxFileSize, err)
			maxSize = 100 * 1024 * 1024
		}

		fileRotator, err = NewFileRotator(cfg.FilePath, maxSize, cfg.MaxFiles, cfg.CompressRotated)
		if err != nil {
			fmt.Printf("警告：无法创建日志文件轮转器: %v\n", err)
			fileRotator = nil
		}
	}

	handler := NewSimpleHandler(ParseLevel(cfg.Level), console, fileRotator)
	return slog.New(handler), handler
}

// getGoroutineID extracts the goroutine ID from runtime stack trace
func getGoroutineID() int {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	fields := strings.Fields(string(buf))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return id
}
