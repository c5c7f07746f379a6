// Package logx provides component-scoped leveled logging backed by zap.
//
// Loggers are cheap handles: they resolve the process-wide zap core on every
// call, so loggers created at package init still honour a later Configure.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level names accepted by Configure.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// EnvDebug enables debug output. "1", "true" or "all" enables every domain;
// any other value is read as a comma separated domain list.
const EnvDebug = "CODEFORGE_DEBUG"

// Options controls the process-wide logger.
type Options struct {
	Level  string    // debug, info, warn, error
	Format string    // console or json
	Output io.Writer // defaults to stderr
}

//nolint:gochecknoglobals // process-wide logging state
var (
	baseMu sync.RWMutex
	base   = mustBuild(Options{Level: LevelInfo, Format: "console"})

	debugMu      sync.RWMutex
	debugEnabled bool
	debugDomains map[string]bool
)

func init() { //nolint:gochecknoinits // env driven debug switch
	initDebugFromEnv()
}

func initDebugFromEnv() {
	v := strings.TrimSpace(os.Getenv(EnvDebug))
	if v == "" {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "all":
		SetDebugDomains(nil)
	default:
		SetDebugDomains(strings.Split(v, ","))
	}
}

// Configure replaces the process-wide zap logger.
func Configure(opts Options) error {
	l, err := build(opts)
	if err != nil {
		return err
	}
	baseMu.Lock()
	old := base
	base = l
	baseMu.Unlock()
	_ = old.Sync()
	return nil
}

// SetOutput redirects all logging to w at debug level. Intended for tests.
func SetOutput(w io.Writer) {
	baseMu.Lock()
	base = mustBuild(Options{Level: LevelDebug, Format: "console", Output: w})
	baseMu.Unlock()
}

// Sync flushes buffered log entries.
func Sync() {
	baseMu.RLock()
	defer baseMu.RUnlock()
	_ = base.Sync()
}

func build(opts Options) (*zap.Logger, error) {
	var lvl zapcore.Level
	if opts.Level == "" {
		opts.Level = LevelInfo
	}
	if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + name + "]")
	}

	var enc zapcore.Encoder
	switch opts.Format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(out), zap.NewAtomicLevelAt(lvl))
	return zap.New(core), nil
}

func mustBuild(opts Options) *zap.Logger {
	l, err := build(opts)
	if err != nil {
		panic(err)
	}
	return l
}

func current() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Logger is a named, leveled logger for one component.
type Logger struct {
	component string
	fields    []any
}

// NewLogger returns a logger for the given component name.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// With returns a child logger carrying extra key/value pairs.
func (l *Logger) With(keysAndValues ...any) *Logger {
	fields := make([]any, 0, len(l.fields)+len(keysAndValues))
	fields = append(fields, l.fields...)
	fields = append(fields, keysAndValues...)
	return &Logger{component: l.component, fields: fields}
}

// Component returns the component name.
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) sugar() *zap.SugaredLogger {
	s := current().Named(l.component).Sugar()
	if len(l.fields) > 0 {
		s = s.With(l.fields...)
	}
	return s
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.component) {
		return
	}
	l.sugar().Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.sugar().Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.sugar().Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.sugar().Errorf(format, args...)
}

// DebugState logs a state machine transition at debug level.
func (l *Logger) DebugState(from, to string, extra ...string) {
	if len(extra) > 0 {
		l.Debug("State %s → %s - %s", from, to, extra[0])
		return
	}
	l.Debug("State %s → %s", from, to)
}

// SetDebugDomains enables debug output for the given domains; nil enables all.
func SetDebugDomains(domains []string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugEnabled = true
	if len(domains) == 0 {
		debugDomains = nil
		return
	}
	debugDomains = make(map[string]bool, len(domains))
	for _, d := range domains {
		debugDomains[strings.TrimSpace(d)] = true
	}
}

// DisableDebug turns debug output off.
func DisableDebug() {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugEnabled = false
	debugDomains = nil
}

// IsDebugEnabledForDomain reports whether debug output is on for domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugEnabled {
		return false
	}
	return debugDomains == nil || debugDomains[domain]
}

type ctxKey struct{}

// WithJobID returns a context carrying a job id for Debug.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, jobID)
}

// JobIDFromContext returns the job id stored by WithJobID.
func JobIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Debug logs a domain-filtered debug message, tagged with the job id in ctx.
//
//	logx.Debug(ctx, "engine", "dispatching %s", step)
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	s := current().Named(domain).Sugar()
	if id := JobIDFromContext(ctx); id != "" {
		s = s.With("job_id", id)
	}
	s.Debugf(format, args...)
}

//nolint:gochecknoglobals // convenience logger
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns the wrapped error.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrapped.Error())
	return wrapped
}
