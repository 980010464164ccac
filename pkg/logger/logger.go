// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger configures the process-wide slog.Logger used by every
// package under cmd/cer and pkg/. Below debug level it mutes log lines
// emitted by imported libraries, since a capability load pulls in a
// registry client, an installer, and a sandbox runtime whose own chatter
// would otherwise drown out the loader's.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

var defaultLogger *slog.Logger

// cerModulePath identifies frames belonging to this module, so the
// filtering handler can tell loader code from vendored library code.
const cerModulePath = "github.com/casys-ai/cer"

// ParseLevel converts a string log level to slog.Level. Valid levels:
// debug, info, warn, error. Anything else quietly degrades to warn rather
// than erroring, since a typo'd --log-level shouldn't block startup.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelWarn, nil
	}
}

// moduleFilter wraps a handler and drops records whose call site is outside
// cerModulePath, unless minLevel is debug — at which point everything,
// including third-party noise, passes through.
type moduleFilter struct {
	handler  slog.Handler
	minLevel slog.Level
}

func (h *moduleFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.handler.Enabled(ctx, level)
}

func (h *moduleFilter) Handle(ctx context.Context, record slog.Record) error {
	if h.minLevel > slog.LevelDebug && !fromThisModule(record.PC) {
		return nil
	}
	return h.handler.Handle(ctx, record)
}

func (h *moduleFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &moduleFilter{handler: h.handler.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *moduleFilter) WithGroup(name string) slog.Handler {
	return &moduleFilter{handler: h.handler.WithGroup(name), minLevel: h.minLevel}
}

// fromThisModule reports whether the caller identified by pc belongs to
// this module rather than an imported dependency.
func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(fn.Name(), cerModulePath) || strings.Contains(file, "/cer/")
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func isTerminal(file *os.File) bool {
	fileInfo, err := file.Stat()
	return err == nil && fileInfo.Mode()&os.ModeCharDevice != 0
}

func normalizeLevel(s string) string {
	if s == "WARNING" {
		return "WARN"
	}
	return s
}

// lineHandler renders one log line per record, either "LEVEL message attrs"
// (simple) or "time LEVEL message attrs" (verbose), optionally ANSI-colored
// by level. It exists because the plain slog.TextHandler's key=value output
// is too noisy for a CLI tool whose users are reading these lines live.
type lineHandler struct {
	handler  slog.Handler
	writer   io.Writer
	color    bool
	withTime bool
}

func (h *lineHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *lineHandler) Handle(ctx context.Context, record slog.Record) error {
	var buf strings.Builder

	if h.withTime && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	levelStr := strings.ToUpper(normalizeLevel(record.Level.String()))
	if h.color {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(levelStr)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(levelStr)
	}
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	record.Attrs(func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	})
	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &lineHandler{handler: h.handler.WithAttrs(attrs), writer: h.writer, color: h.color, withTime: h.withTime}
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	return &lineHandler{handler: h.handler.WithGroup(name), writer: h.writer, color: h.color, withTime: h.withTime}
}

// Init installs the process-wide logger. format selects the rendering:
// "simple" (level + message, the default), "verbose" (adds a timestamp),
// or anything else falls back to slog's own key=value TextHandler. Color
// is enabled automatically when output is a terminal.
func Init(level slog.Level, output *os.File, format string) {
	simple := format == "simple" || format == ""
	verbose := format == "verbose"
	color := isTerminal(output)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				return slog.String("level", normalizeLevel(a.Value.String()))
			}
			return a
		},
	}
	base := slog.NewTextHandler(output, opts)

	var handler slog.Handler = base
	switch {
	case simple || verbose:
		handler = &lineHandler{handler: base, writer: output, color: color, withTime: verbose}
	}

	defaultLogger = slog.New(&moduleFilter{handler: handler, minLevel: level})
	slog.SetDefault(defaultLogger)
}

// OpenLogFile opens (creating if needed) a log file for append-only writes,
// returning a cleanup func the caller should defer.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

// GetLogger returns the process-wide logger, initializing it with defaults
// (info level, simple format, stderr) on first use.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}
