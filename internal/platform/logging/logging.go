package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

// Options 控制日志输出位置与轮转策略。
type Options struct {
	Level string

	// File 为空时只输出到 stderr。
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Quiet 为 true 时不向 stderr 输出（CLI 的普通命令用，避免干扰 key=value 输出）。
	Quiet bool
}

// New 构造应用 logger：
// - 文件：JSON，经 lumberjack 轮转
// - stderr：文本格式
// 返回的 io.Closer 用于在进程退出前关闭日志文件。
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := ParseLevel(opts.Level)
	handlerOpts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelName,
	}

	var handlers []slog.Handler
	var closer io.Closer = nopCloser{}

	if strings.TrimSpace(opts.File) != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 20),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 30),
			Compress:   true,
		}
		closer = rotator
		handlers = append(handlers, slog.NewJSONHandler(rotator, handlerOpts))
	}
	if !opts.Quiet {
		handlers = append(handlers, slog.NewTextHandler(os.Stderr, handlerOpts))
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.NewTextHandler(io.Discard, handlerOpts)
	case 1:
		h = handlers[0]
	default:
		h = fanout(handlers)
	}
	return slog.New(h), closer, nil
}

// ParseLevel 把配置中的级别名转换为 slog.Level，未知值按 info 处理。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "fatal":
		return LevelFatal
	default:
		return slog.LevelInfo
	}
}

func replaceLevelName(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	if name, exists := levelNames[level]; exists {
		a.Value = slog.StringValue(name)
	}
	return a
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
