// Package dlog is the engine's diagnostic logger. Every call is keyed by a
// subsystem mask and a verbosity level; a message is emitted only when its
// subsystem is enabled and its level is at or below the configured
// verbosity. Logging never blocks the caller on I/O and write failures are
// dropped.
package dlog

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Mask uint32

const (
	Dispatch Mask = 1 << iota
	Interp
	Emit
	Cache
	Links
	Flush
	Monitor
	Synch
	Stats
	Threads

	All  Mask = 1<<iota - 1
	None Mask = 0
)

var maskNames = map[string]Mask{
	"dispatch": Dispatch,
	"interp":   Interp,
	"emit":     Emit,
	"cache":    Cache,
	"links":    Links,
	"flush":    Flush,
	"monitor":  Monitor,
	"synch":    Synch,
	"stats":    Stats,
	"threads":  Threads,
	"all":      All,
	"none":     None,
}

func (m Mask) String() string {
	if m == All {
		return "all"
	}
	var parts []string
	for _, name := range []string{"dispatch", "interp", "emit", "cache", "links", "flush", "monitor", "synch", "stats", "threads"} {
		if m&maskNames[name] != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseMask accepts a comma-separated list of subsystem names or a numeric
// mask (decimal or 0x-prefixed hex).
func ParseMask(s string) (Mask, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return None, nil
	}
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return Mask(n) & All, nil
	}
	var m Mask
	for _, part := range strings.Split(s, ",") {
		v, ok := maskNames[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return None, fmt.Errorf("unknown log subsystem %q", part)
		}
		m |= v
	}
	return m, nil
}

// Logger filters by subsystem and verbosity before handing entries to zap.
type Logger struct {
	z     *zap.Logger
	mask  Mask
	level int
	flush func() error
}

// New creates a logger writing console-encoded entries to w. A nil w means
// os.Stderr.
func New(w io.Writer, mask Mask, level int) *Logger {
	if w == nil {
		w = os.Stderr
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	ws := &zapcore.BufferedWriteSyncer{
		WS:            zapcore.AddSync(w),
		FlushInterval: 250 * time.Millisecond,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), ws, zap.DebugLevel)
	z := zap.New(core,
		zap.ErrorOutput(zapcore.AddSync(io.Discard)),
		zap.AddStacktrace(zap.DPanicLevel),
	)
	return &Logger{z: z, mask: mask, level: level, flush: ws.Stop}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop(), mask: None}
}

// Enabled reports whether a message for mask at level would be emitted.
func (l *Logger) Enabled(mask Mask, level int) bool {
	return l != nil && l.mask&mask != 0 && level <= l.level
}

// Log emits msg when the subsystem is enabled at the given verbosity. Level
// 0 and 1 map to zap's info level, anything higher to debug.
func (l *Logger) Log(mask Mask, level int, msg string, fields ...zap.Field) {
	if !l.Enabled(mask, level) {
		return
	}
	fields = append(fields, zap.Stringer("sub", mask), zap.Int("lvl", level))
	if level <= 1 {
		l.z.Info(msg, fields...)
	} else {
		l.z.Debug(msg, fields...)
	}
}

// Warn is emitted regardless of mask and level.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Warn(msg, fields...)
}

// Error is emitted regardless of mask and level.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	if l == nil {
		return
	}
	l.z.Error(msg, fields...)
}

// With returns a child logger carrying fields on every entry.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...), mask: l.mask, level: l.level, flush: l.flush}
}

// Close flushes buffered entries.
func (l *Logger) Close() error {
	if l == nil || l.flush == nil {
		return nil
	}
	_ = l.z.Sync()
	return l.flush()
}

// Hex formats an address field the way the rest of the engine prints pcs.
func Hex(key string, v uint64) zap.Field {
	return zap.String(key, "0x"+strconv.FormatUint(v, 16))
}
