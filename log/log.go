// Package log provides the structured logger used across every consensus
// package. It wraps zap so call sites can attach key/value context (node
// index, block id, round) without committing to a concrete backend.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface consumed by every package in
// this module. Nothing outside this package constructs a *zap.Logger
// directly.
type Logger interface {
	Info(keyvals ...interface{})
	Debug(keyvals ...interface{})
	Warn(keyvals ...interface{})
	Error(keyvals ...interface{})
	Fatal(keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Debugw(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	// With returns a new Logger that inserts the given key value pairs into
	// every subsequent statement.
	With(keyvals ...interface{}) Logger
	Named(s string) Logger
}

type log struct {
	*zap.SugaredLogger
}

func (l *log) With(args ...interface{}) Logger {
	return &log{l.SugaredLogger.With(args...)}
}

func (l *log) Named(s string) Logger {
	return &log{l.SugaredLogger.Named(s)}
}

const (
	InfoLevel  = int(zapcore.InfoLevel)
	DebugLevel = int(zapcore.DebugLevel)
	WarnLevel  = int(zapcore.WarnLevel)
	ErrorLevel = int(zapcore.ErrorLevel)
)

// DefaultLevel is used by DefaultLogger. Change it before the first call to
// DefaultLogger to take effect.
var DefaultLevel = InfoLevel

func init() {
	if v, ok := os.LookupEnv("DBFT_TEST_LOGS"); ok && v == "DEBUG" {
		DefaultLevel = DebugLevel
	}
}

var defaultOnce sync.Once
var defaultLogger Logger

// DefaultLogger returns the process-wide default logger, built once.
func DefaultLogger() Logger {
	defaultOnce.Do(func() {
		defaultLogger = New(os.Stdout, DefaultLevel, false)
	})
	return defaultLogger
}

// New builds a logger writing to output at the given level. isJSON selects
// a JSON encoder over the human-readable console one.
func New(output zapcore.WriteSyncer, level int, isJSON bool) Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	if isJSON {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	if output == nil {
		output = os.Stdout
	}

	core := zapcore.NewCore(encoder, output, zapcore.Level(level))
	return &log{zap.New(core, zap.WithCaller(true)).Sugar()}
}

// NewNop returns a logger that discards everything, for tests and
// benchmarks that must supply a Logger but don't care about its output.
func NewNop() Logger {
	return &log{zap.NewNop().Sugar()}
}
