package mqttsim

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log splits output into session lifecycle, errors and application events.
// Session lines are debug level and only written when verbose.
type Log struct {
	session *zap.Logger
	err     *zap.Logger
	app     *zap.Logger
}

func NewLog(cfg LogConfig) *Log {
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

	rotate := func(file string) zapcore.WriteSyncer {
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	sessionLevel := zap.InfoLevel
	appLevel := zap.InfoLevel
	if cfg.Verbose {
		sessionLevel = zap.DebugLevel
		appLevel = zap.DebugLevel
	}

	sessionCore := zapcore.NewCore(encoder, rotate(cfg.SessionFile), sessionLevel)
	errorCore := zapcore.NewCore(encoder, rotate(cfg.ErrorFile), zap.WarnLevel)
	appCore := zapcore.NewCore(encoder, rotate(cfg.AppFile), appLevel)

	if cfg.Verbose {
		console := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		stderr := zapcore.NewCore(console, zapcore.Lock(os.Stderr), zap.DebugLevel)
		sessionCore = zapcore.NewTee(sessionCore, stderr)
		errorCore = zapcore.NewTee(errorCore, stderr)
		appCore = zapcore.NewTee(appCore, stderr)
	}

	return &Log{
		session: zap.New(sessionCore),
		err:     zap.New(errorCore, zap.AddCaller(), zap.AddStacktrace(zapcore.FatalLevel)),
		app:     zap.New(appCore, zap.AddCaller()),
	}
}

// NewNopLog discards everything.
func NewNopLog() *Log {
	nop := zap.NewNop()
	return &Log{session: nop, err: nop, app: nop}
}

// newLogWithCore sends every channel to core. Used by tests to observe output.
func newLogWithCore(core zapcore.Core) *Log {
	l := zap.New(core)
	return &Log{session: l, err: l, app: l}
}

func (l *Log) Session(msg string, fields ...zap.Field) {
	l.session.Debug(msg, fields...)
}

func (l *Log) Error(err error, msg string, fields ...zap.Field) {
	l.err.Warn(msg, append(fields, zap.Error(err))...)
}

func (l *Log) App(msg string, fields ...zap.Field) {
	l.app.Info(msg, fields...)
}

func (l *Log) Warn(msg string, fields ...zap.Field) {
	l.app.Warn(msg, fields...)
}

func (l *Log) Sync() error {
	_ = l.session.Sync()
	_ = l.err.Sync()
	return l.app.Sync()
}
