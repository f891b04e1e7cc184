package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	c "github.com/life-stream-dev/life-stream-go-device-hub/internal/config"
)

const (
	LevelFatal slog.Level = 12

	retention = 30 * 24 * time.Hour
)

// sink owns the output files and the single writer goroutine. Handlers
// derived through WithAttrs/WithGroup share it.
type sink struct {
	ch          chan []byte
	writer      io.Writer
	console     io.Writer
	currentDay  int
	currentFile *os.File
	basePath    string
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type AsyncHandler struct {
	sink     *sink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

// NewAsyncHandler writes to console and, when basePath is not empty, to a
// daily log file under basePath.
func NewAsyncHandler(basePath string, logLevel slog.Level, console io.Writer) *AsyncHandler {
	s := &sink{
		ch:       make(chan []byte, 1024),
		console:  console,
		writer:   console,
		basePath: basePath,
	}
	if basePath != "" {
		if err := s.rotateIfNeeded(time.Now()); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "log file unavailable, console only: %v\n", err)
		}
		s.cleanOldLogs(time.Now())
	}
	s.wg.Add(1)
	go s.startWorker()
	return &AsyncHandler{sink: s, logLevel: logLevel}
}

func (s *sink) cleanOldLogs(now time.Time) {
	files, _ := filepath.Glob(filepath.Join(s.basePath, "*.log"))
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > retention {
			_ = os.Remove(f)
		}
	}
}

func (s *sink) rotateIfNeeded(now time.Time) error {
	day := now.YearDay()
	if day == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("unable to close log file: %w", err)
		}
		s.currentFile = nil
	}

	logPath := filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("unable to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("unable to open log file: %w", err)
	}

	s.currentFile = f
	s.currentDay = day
	s.writer = io.MultiWriter(s.console, f)
	return nil
}

func (s *sink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		if s.basePath != "" {
			if err := s.rotateIfNeeded(time.Now()); err != nil {
				s.writer = s.console
			}
		}
		_, _ = s.writer.Write(data)
	}
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
	}
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= LevelFatal:
		return color.HiRedString("FATAL")
	case level >= slog.LevelError:
		return color.RedString(level.String())
	case level >= slog.LevelWarn:
		return color.YellowString(level.String())
	case level >= slog.LevelInfo:
		return color.BlueString(level.String())
	default:
		return color.MagentaString(level.String())
	}
}

func (h *AsyncHandler) attrKey(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	// time | level | message
	b.WriteString(fmt.Sprintf(
		"%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		levelLabel(r.Level),
		color.CyanString(r.Message),
	))

	for _, attr := range h.attrs {
		b.WriteString(color.CyanString(fmt.Sprintf(" %s=%v", attr.Key, attr.Value)))
	}

	r.Attrs(func(attr slog.Attr) bool {
		b.WriteString(color.CyanString(fmt.Sprintf(" %s=%v", h.attrKey(attr.Key), attr.Value)))
		return true
	})

	b.WriteString("\n")
	h.Write([]byte(b.String()))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, attr := range attrs {
		attr.Key = h.attrKey(attr.Key)
		newAttrs = append(newAttrs, attr)
	}
	return &AsyncHandler{sink: h.sink, attrs: newAttrs, group: h.group, logLevel: h.logLevel}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &AsyncHandler{sink: h.sink, attrs: h.attrs, group: h.attrKey(name), logLevel: h.logLevel}
}

func (h *AsyncHandler) Write(p []byte) {
	pb := make([]byte, len(p))
	copy(pb, p)
	defer func() {
		// the sink was closed during shutdown; the line is dropped
		_ = recover()
	}()
	h.sink.ch <- pb
}

func (h *AsyncHandler) Close() error {
	h.sink.closeOnce.Do(func() {
		close(h.sink.ch)
	})
	h.sink.wg.Wait()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(_ context.Context) error {
	return lc.handler.Close()
}

func Init() *ShutdownCallback {
	config, _ := c.GetConfig()
	level := slog.LevelInfo
	if config.DebugMode {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(config.LogPath, level, os.Stdout)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
