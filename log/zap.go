package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap adapts l into a *zap.Logger so components pulled in from the
// zap-speaking part of the ecosystem (e.g. a DNS or TLS adapter that
// wants a *zap.Logger) can log through the same Output as everything
// else.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{l: l})
}

type zapCore struct {
	l Logger
}

func (c zapCore) Enabled(level zapcore.Level) bool {
	if c.l.Debug {
		return true
	}
	return level > zapcore.DebugLevel
}

func (c zapCore) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	c.l = c.l.WithFields(enc.Fields)
	return c
}

func (c zapCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c zapCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	name := c.l.Name
	if entry.LoggerName != "" {
		if name != "" {
			name += "/"
		}
		name += entry.LoggerName
	}
	l := c.l
	l.Name = name
	l.log(entry.Level == zapcore.DebugLevel, l.formatMsg(entry.Message, enc.Fields))
	return nil
}

func (zapCore) Sync() error { return nil }
