package logger

import (
	"fmt"
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
)

// HCLogAdapter exposes a Logger as an hclog.Logger. go-retryablehttp accepts
// it as its LeveledLogger, so retry attempts land in the same stream as
// everything else.
type HCLogAdapter struct {
	logger Logger
	name   string
	args   []interface{}
}

var _ hclog.Logger = (*HCLogAdapter)(nil)

func NewHCLogAdapter(l Logger) hclog.Logger {
	return &HCLogAdapter{logger: l}
}

func (a *HCLogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	fields := a.fields(args)
	switch level {
	case hclog.Trace:
		a.logger.Trace(msg, fields...)
	case hclog.Debug:
		a.logger.Debug(msg, fields...)
	case hclog.Warn:
		a.logger.Warn(msg, fields...)
	case hclog.Error:
		a.logger.Error(msg, fields...)
	default:
		a.logger.Info(msg, fields...)
	}
}

func (a *HCLogAdapter) Trace(msg string, args ...interface{}) { a.Log(hclog.Trace, msg, args...) }
func (a *HCLogAdapter) Debug(msg string, args ...interface{}) { a.Log(hclog.Debug, msg, args...) }
func (a *HCLogAdapter) Info(msg string, args ...interface{})  { a.Log(hclog.Info, msg, args...) }
func (a *HCLogAdapter) Warn(msg string, args ...interface{})  { a.Log(hclog.Warn, msg, args...) }
func (a *HCLogAdapter) Error(msg string, args ...interface{}) { a.Log(hclog.Error, msg, args...) }

// fields turns alternating key/value pairs into typed fields. Values that
// are errors keep their type; a dangling key is logged with a nil value.
func (a *HCLogAdapter) fields(args []interface{}) []TypedField {
	all := make([]interface{}, 0, len(a.args)+len(args))
	all = append(all, a.args...)
	all = append(all, args...)

	out := make([]TypedField, 0, (len(all)+1)/2)
	for i := 0; i < len(all); i += 2 {
		key, ok := all[i].(string)
		if !ok {
			key = fmt.Sprint(all[i])
		}
		var v interface{}
		if i+1 < len(all) {
			v = all[i+1]
		}
		if err, ok := v.(error); ok {
			out = append(out, ErrorField{Key: key, Value: err})
			continue
		}
		out = append(out, Any(key, v))
	}
	return out
}

func (a *HCLogAdapter) Named(name string) hclog.Logger {
	full := name
	if a.name != "" {
		full = a.name + "." + name
	}
	return &HCLogAdapter{logger: a.logger.WithSubsystem(name), name: full, args: a.args}
}

func (a *HCLogAdapter) ResetNamed(name string) hclog.Logger {
	return &HCLogAdapter{logger: a.logger.WithSystem(name), name: name, args: a.args}
}

func (a *HCLogAdapter) With(args ...interface{}) hclog.Logger {
	merged := make([]interface{}, 0, len(a.args)+len(args))
	merged = append(merged, a.args...)
	merged = append(merged, args...)
	return &HCLogAdapter{logger: a.logger, name: a.name, args: merged}
}

func (a *HCLogAdapter) Name() string { return a.name }

func (a *HCLogAdapter) ImpliedArgs() []interface{} { return a.args }

func (a *HCLogAdapter) IsTrace() bool { return a.logger.IsLevelEnabled(TraceLevel) }
func (a *HCLogAdapter) IsDebug() bool { return a.logger.IsLevelEnabled(DebugLevel) }
func (a *HCLogAdapter) IsInfo() bool  { return a.logger.IsLevelEnabled(InfoLevel) }
func (a *HCLogAdapter) IsWarn() bool  { return a.logger.IsLevelEnabled(WarnLevel) }
func (a *HCLogAdapter) IsError() bool { return a.logger.IsLevelEnabled(ErrorLevel) }

func (a *HCLogAdapter) GetLevel() hclog.Level {
	for _, pair := range []struct {
		ours   LogLevel
		theirs hclog.Level
	}{
		{TraceLevel, hclog.Trace},
		{DebugLevel, hclog.Debug},
		{InfoLevel, hclog.Info},
		{WarnLevel, hclog.Warn},
		{ErrorLevel, hclog.Error},
	} {
		if a.logger.IsLevelEnabled(pair.ours) {
			return pair.theirs
		}
	}
	return hclog.Off
}

// SetLevel is a no-op; the level belongs to the wrapped Logger's Config.
func (a *HCLogAdapter) SetLevel(hclog.Level) {}

func (a *HCLogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(a.StandardWriter(opts), "", 0)
}

func (a *HCLogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return &stdWriter{adapter: a}
}

type stdWriter struct {
	adapter *HCLogAdapter
}

func (w *stdWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	w.adapter.Info(msg)
	return len(p), nil
}
