package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileRotator writes log lines to a size-rotated file
type FileRotator struct {
	logger *lumberjack.Logger
}

// NewFileRotator creates the log directory and a rotating writer.
// maxSize is in bytes and is rounded up to whole megabytes.
func NewFileRotator(path string, maxSize int64, maxFiles int, compress bool) (*FileRotator, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	const mb = 1024 * 1024
	sizeMB := int((maxSize + mb - 1) / mb)
	if sizeMB < 1 {
		sizeMB = 1
	}

	return &FileRotator{
		logger: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    sizeMB,
			MaxBackups: maxFiles,
			Compress:   compress,
		},
	}, nil
}

func (fr *FileRotator) Write(p []byte) (int, error) {
	return fr.logger.Write(p)
}

// Rotate closes the current file and starts a new one
func (fr *FileRotator) Rotate() error {
	return fr.logger.Rotate()
}

func (fr *FileRotator) Close() error {
	return fr.logger.Close()
}

// ParseSize parses sizes like "100MB", "512KB", "1GB" or a plain byte count
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return int64(n * float64(multiplier)), nil
}
