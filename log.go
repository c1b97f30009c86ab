package wrongpath

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	timefmt "github.com/itchyny/timefmt-go"
	"go.uber.org/zap"

	"wrongpath/expr"
)

// LogLevel represents the severity level for logs.
type LogLevel int

const (
	LevelError LogLevel = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "ERROR":
		return LevelError
	case "WARN", "WARNING":
		return LevelWarn
	case "INFO":
		return LevelInfo
	case "DEBUG":
		return LevelDebug
	default:
		return LevelWarn // default
	}
}

// Logger is the interface used by the engine and manager for logging.
type Logger interface {
	// Debugf, Infof, Warnf, Errorf log formatted messages at respective levels.
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)

	// With returns a child logger augmented with the provided fields.
	With(fields map[string]any) Logger
}

// timestampLayout is a strftime layout; timestamps render in UTC with
// microsecond precision.
const timestampLayout = "%Y-%m-%dT%H:%M:%S.%fZ"

// textFormatter emits compact single-line text logs.
// Format: [LEVEL] ts msg key1=val1 key2=val2 ...
type textFormatter struct {
	includeTimestamp bool
}

func newTextFormatter() *textFormatter {
	return &textFormatter{
		includeTimestamp: true,
	}
}

func (f *textFormatter) format(ts time.Time, level LogLevel, msg string, fields map[string]any) []byte {
	var b strings.Builder
	b.Grow(128)

	b.WriteByte('[')
	b.WriteString(level.String())
	b.WriteByte(']')
	b.WriteByte(' ')

	if f.includeTimestamp {
		b.WriteString(timefmt.Format(ts.UTC(), timestampLayout))
		b.WriteByte(' ')
	}

	// Message first for readability
	b.WriteString(msg)

	// Sort field keys for deterministic output
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(safeSprint(fields[k]))
		}
	}

	b.WriteByte('\n')
	return []byte(b.String())
}

func safeSprint(v any) string {
	switch t := v.(type) {
	case string:
		// Quote if contains whitespace
		if strings.IndexFunc(t, func(r rune) bool { return r <= ' ' }) >= 0 {
			return fmt.Sprintf("%q", t)
		}
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// defaultLogger is a thread-safe logger implementation supporting With() context.
type defaultLogger struct {
	out       io.Writer
	level     LogLevel
	formatter *textFormatter

	// baseFields are the context fields attached to this logger.
	baseFields map[string]any

	// mu serializes writes to the writer and protects baseFields during write.
	mu *sync.Mutex
}

// NewLogger creates a default logger with the given level.
// If w is nil, os.Stderr is used.
func NewLogger(level LogLevel, w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return &defaultLogger{
		out:        w,
		level:      level,
		formatter:  newTextFormatter(),
		baseFields: make(map[string]any),
		mu:         &sync.Mutex{},
	}
}

// noopLogger is a logger that discards all output.
type noopLogger struct{}

func (l *noopLogger) Debugf(format string, args ...any) {}
func (l *noopLogger) Infof(format string, args ...any)  {}
func (l *noopLogger) Warnf(format string, args ...any)  {}
func (l *noopLogger) Errorf(format string, args ...any) {}
func (l *noopLogger) With(fields map[string]any) Logger { return l }

// newNoopLogger returns a logger that discards all output.
func newNoopLogger() Logger {
	return &noopLogger{}
}

func (l *defaultLogger) IsEnabled(level LogLevel) bool {
	return level <= l.level
}

func (l *defaultLogger) With(fields map[string]any) Logger {
	if len(fields) == 0 {
		return l
	}
	// Shallow copy of base fields to avoid parent mutation
	newFields := make(map[string]any, len(l.baseFields)+len(fields))
	for k, v := range l.baseFields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &defaultLogger{
		out:        l.out,
		level:      l.level,
		formatter:  l.formatter,
		baseFields: newFields,
		mu:         l.mu, // share same lock and writer
	}
}

func (l *defaultLogger) Debugf(format string, args ...any) {
	l.logf(LevelDebug, format, args...)
}

func (l *defaultLogger) Infof(format string, args ...any) {
	l.logf(LevelInfo, format, args...)
}

func (l *defaultLogger) Warnf(format string, args ...any) {
	l.logf(LevelWarn, format, args...)
}

func (l *defaultLogger) Errorf(format string, args ...any) {
	l.logf(LevelError, format, args...)
}

func (l *defaultLogger) logf(level LogLevel, format string, args ...any) {
	if !l.IsEnabled(level) {
		return
	}
	// Format message only when enabled
	msg := fmt.Sprintf(format, args...)

	// Snapshot fields to avoid mutation races by callers
	fields := make(map[string]any, len(l.baseFields))
	for k, v := range l.baseFields {
		fields[k] = v
	}

	ts := time.Now()
	line := l.formatter.format(ts, level, msg, fields)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(line)
}

// zapLogger adapts a zap logger to the Logger interface, so callers
// already running zap can feed engine logs into their own pipeline.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps l. A nil l yields a noop logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return newNoopLogger()
	}
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Debugf(format string, args ...any) { z.s.Debugf(format, args...) }
func (z *zapLogger) Infof(format string, args ...any)  { z.s.Infof(format, args...) }
func (z *zapLogger) Warnf(format string, args ...any)  { z.s.Warnf(format, args...) }
func (z *zapLogger) Errorf(format string, args ...any) { z.s.Errorf(format, args...) }

func (z *zapLogger) With(fields map[string]any) Logger {
	if len(fields) == 0 {
		return z
	}
	// Sort keys for deterministic field order
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		kvs = append(kvs, k, fields[k])
	}
	return &zapLogger{s: z.s.With(kvs...)}
}

// previewConds renders up to limit conditions, appending +N when
// truncated. Used to keep fence and retirement logs one line.
func previewConds(conds []expr.Expr, limit int) string {
	items := make([]string, 0, len(conds))
	for _, c := range conds {
		items = append(items, c.String())
	}
	if limit <= 0 || len(items) <= limit {
		return strings.Join(items, ",")
	}
	head := items[:limit]
	return strings.Join(head, ",") + fmt.Sprintf(",+%d", len(items)-limit)
}
