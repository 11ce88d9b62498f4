// Doomsday
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package log provides the process wide slog setup and small helpers used
// by package level loggers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/gravitational/trace"
)

const (
	// FormatText renders log entries as logfmt style text.
	FormatText = "text"
	// FormatJSON renders log entries as one JSON object per line.
	FormatJSON = "json"
)

// SupportedLevelsText lists the supported log levels in their text
// representation. All strings are in uppercase.
var SupportedLevelsText = []string{
	slog.LevelDebug.String(),
	slog.LevelInfo.String(),
	slog.LevelWarn.String(),
	slog.LevelError.String(),
}

// processHandler is the handler every deferred logger resolves against.
// Until Initialize runs it is a text handler at INFO on stderr.
var processHandler atomic.Pointer[slog.Handler]

func init() {
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
	processHandler.Store(&handler)
}

// handlerOp is one recorded WithAttrs or WithGroup call, replayed against
// the installed handler when a record is emitted.
type handlerOp struct {
	group string
	attrs []slog.Attr
}

// deferredHandler forwards records to whichever handler Initialize has
// most recently installed. Package loggers are built at package init,
// before main has read any configuration; binding them to a concrete
// handler at that point would freeze the process-start defaults, so they
// bind to this indirection instead.
type deferredHandler struct {
	ops []handlerOp
}

func (d *deferredHandler) resolve() slog.Handler {
	handler := *processHandler.Load()
	for _, op := range d.ops {
		if op.group != "" {
			handler = handler.WithGroup(op.group)
		} else {
			handler = handler.WithAttrs(op.attrs)
		}
	}
	return handler
}

func (d *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*processHandler.Load()).Enabled(ctx, level)
}

func (d *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return d.resolve().Handle(ctx, record)
}

func (d *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &deferredHandler{ops: append(slices.Clip(d.ops), handlerOp{attrs: attrs})}
}

func (d *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return d
	}
	return &deferredHandler{ops: append(slices.Clip(d.ops), handlerOp{group: name})}
}

// NewPackageLogger creates a [slog.Logger] with the provided attributes
// attached. Packages use it to declare their default logger at init time;
// the returned logger follows whatever configuration Initialize later
// installs.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.New(&deferredHandler{}).With(args...)
}

// Config configures the process default logger.
type Config struct {
	// Severity is the minimum level emitted, one of SupportedLevelsText.
	// Empty means INFO.
	Severity string
	// Format selects the output encoding, FormatText or FormatJSON.
	// Empty means text.
	Format string
	// Output is where entries are written. Nil means stderr.
	Output io.Writer
}

// Initialize builds a handler from cfg and installs it as the target of
// every package logger and of the slog default.
func Initialize(cfg Config) (*slog.Logger, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	level, err := ParseLevel(cfg.Severity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := CheckFormat(cfg.Format); err != nil {
		return nil, trace.Wrap(err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	default:
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	processHandler.Store(&handler)

	logger := slog.New(&deferredHandler{})
	slog.SetDefault(logger)
	return logger, nil
}

// CheckFormat validates a log format name.
func CheckFormat(format string) error {
	switch strings.ToLower(format) {
	case "", FormatText, FormatJSON:
		return nil
	}
	return trace.BadParameter("unsupported log format %q, expected %q or %q", format, FormatText, FormatJSON)
}

// ParseLevel converts a case insensitive level name to a [slog.Level].
func ParseLevel(text string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case "", slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelWarn.String(), "WARNING":
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unsupported log level %q, expected one of %v", text, strings.Join(SupportedLevelsText, ", "))
}
