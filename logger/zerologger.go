package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

func (f StringField) apply(e *zerolog.Event) *zerolog.Event { return e.Str(f.Key, f.Value) }
func (f StringField) key() string                            { return f.Key }
func (f StringField) value() interface{}                     { return f.Value }

func (f IntField) apply(e *zerolog.Event) *zerolog.Event { return e.Int(f.Key, f.Value) }
func (f IntField) key() string                            { return f.Key }
func (f IntField) value() interface{}                     { return f.Value }

func (f Int64Field) apply(e *zerolog.Event) *zerolog.Event { return e.Int64(f.Key, f.Value) }
func (f Int64Field) key() string                            { return f.Key }
func (f Int64Field) value() interface{}                     { return f.Value }

func (f BoolField) apply(e *zerolog.Event) *zerolog.Event { return e.Bool(f.Key, f.Value) }
func (f BoolField) key() string                            { return f.Key }
func (f BoolField) value() interface{}                     { return f.Value }

func (f DurationField) apply(e *zerolog.Event) *zerolog.Event { return e.Dur(f.Key, f.Value) }
func (f DurationField) key() string                            { return f.Key }
func (f DurationField) value() interface{}                     { return f.Value }

func (f TimeField) apply(e *zerolog.Event) *zerolog.Event { return e.Time(f.Key, f.Value) }
func (f TimeField) key() string                            { return f.Key }
func (f TimeField) value() interface{}                     { return f.Value }

func (f ErrorField) apply(e *zerolog.Event) *zerolog.Event { return e.AnErr(f.Key, f.Value) }
func (f ErrorField) key() string                            { return f.Key }
func (f ErrorField) value() interface{}                     { return f.Value }

func (f AnyField) apply(e *zerolog.Event) *zerolog.Event { return e.Interface(f.Key, f.Value) }
func (f AnyField) key() string                            { return f.Key }
func (f AnyField) value() interface{}                     { return f.Value }

func (f SecretField) apply(e *zerolog.Event) *zerolog.Event { return e.Str(f.Key, Redact(f.Value)) }
func (f SecretField) key() string                            { return f.Key }
func (f SecretField) value() interface{}                     { return Redact(f.Value) }

var zerologLevels = map[LogLevel]zerolog.Level{
	TraceLevel: zerolog.TraceLevel,
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
	FatalLevel: zerolog.FatalLevel,
	PanicLevel: zerolog.PanicLevel,
}

func toZerologLevel(l LogLevel) zerolog.Level {
	if zl, ok := zerologLevels[l]; ok {
		return zl
	}
	return zerolog.InfoLevel
}

// ZerologLogger implements Logger on top of zerolog
type ZerologLogger struct {
	logger     zerolog.Logger
	base       zerolog.Logger // without module or fields
	config     *Config
	subsystem  string
	fileWriter *lumberjack.Logger
}

// NewZerologLogger builds a Logger from config. A nil config means DefaultConfig().
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var writers []io.Writer
	var fileWriter *lumberjack.Logger

	if fc := config.FileConfig; fc != nil {
		if err := os.MkdirAll(filepath.Dir(fc.Filename), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "logger: cannot create log directory: %v\n", err)
		} else {
			fileWriter = &lumberjack.Logger{
				Filename:   fc.Filename,
				MaxSize:    fc.MaxSize,
				MaxAge:     fc.MaxAge,
				MaxBackups: fc.MaxBackups,
				Compress:   fc.Compress,
				LocalTime:  true,
			}
			writers = append(writers, fileWriter)
		}
	}

	for _, out := range config.Outputs {
		if config.Format == ConsoleFormat {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: "15:04:05",
				PartsOrder: []string{
					zerolog.TimestampFieldName,
					zerolog.LevelFieldName,
					"module",
					zerolog.MessageFieldName,
				},
			})
			continue
		}
		writers = append(writers, out)
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	zl := zerolog.New(w).Level(toZerologLevel(config.Level))
	if config.EnableSampling {
		zl = zl.Sample(&zerolog.BurstSampler{
			Burst:       10,
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: 100},
		})
	}
	zl = zl.With().Timestamp().Logger()
	if config.EnableCaller {
		zl = zl.With().CallerWithSkipFrameCount(3 + config.CallerSkip).Logger()
	}
	base := zl
	if config.Subsystem != "" {
		zl = zl.With().Str("module", config.Subsystem).Logger()
	}

	return &ZerologLogger{
		logger:     zl,
		base:       base,
		config:     config,
		subsystem:  config.Subsystem,
		fileWriter: fileWriter,
	}
}

func (zl *ZerologLogger) event(level zerolog.Level) *zerolog.Event {
	switch level {
	case zerolog.TraceLevel:
		return zl.logger.Trace()
	case zerolog.DebugLevel:
		return zl.logger.Debug()
	case zerolog.InfoLevel:
		return zl.logger.Info()
	case zerolog.WarnLevel:
		return zl.logger.Warn()
	case zerolog.ErrorLevel:
		return zl.logger.Error()
	case zerolog.FatalLevel:
		return zl.logger.Fatal()
	case zerolog.PanicLevel:
		return zl.logger.Panic()
	}
	return nil
}

func (zl *ZerologLogger) log(level zerolog.Level, msg string, fields []TypedField) {
	e := zl.event(level)
	if e == nil {
		return
	}
	for _, f := range fields {
		e = f.apply(e)
	}
	e.Msg(msg)
}

func (zl *ZerologLogger) Trace(msg string, fields ...TypedField) {
	zl.log(zerolog.TraceLevel, msg, fields)
}

func (zl *ZerologLogger) Debug(msg string, fields ...TypedField) {
	zl.log(zerolog.DebugLevel, msg, fields)
}

func (zl *ZerologLogger) Info(msg string, fields ...TypedField) {
	zl.log(zerolog.InfoLevel, msg, fields)
}

func (zl *ZerologLogger) Warn(msg string, fields ...TypedField) {
	zl.log(zerolog.WarnLevel, msg, fields)
}

func (zl *ZerologLogger) Error(msg string, fields ...TypedField) {
	zl.log(zerolog.ErrorLevel, msg, fields)
}

func (zl *ZerologLogger) Fatal(msg string, fields ...TypedField) {
	zl.log(zerolog.FatalLevel, msg, fields)
}

func (zl *ZerologLogger) Panic(msg string, fields ...TypedField) {
	zl.log(zerolog.PanicLevel, msg, fields)
}

func (zl *ZerologLogger) Tracef(format string, args ...interface{}) {
	zl.logger.Trace().Msgf(format, args...)
}

func (zl *ZerologLogger) Debugf(format string, args ...interface{}) {
	zl.logger.Debug().Msgf(format, args...)
}

func (zl *ZerologLogger) Infof(format string, args ...interface{}) {
	zl.logger.Info().Msgf(format, args...)
}

func (zl *ZerologLogger) Warnf(format string, args ...interface{}) {
	zl.logger.Warn().Msgf(format, args...)
}

func (zl *ZerologLogger) Errorf(format string, args ...interface{}) {
	zl.logger.Error().Msgf(format, args...)
}

func (zl *ZerologLogger) WithSubsystem(name string) Logger {
	if zl.subsystem != "" {
		name = zl.subsystem + "." + name
	}
	return zl.withModule(name)
}

func (zl *ZerologLogger) WithSystem(name string) Logger {
	return zl.withModule(name)
}

// withModule derives a child that shares writers with the parent, so a file
// sink is opened once per root logger.
func (zl *ZerologLogger) withModule(name string) Logger {
	cfg := *zl.config
	cfg.Subsystem = name
	return &ZerologLogger{
		logger:     zl.base.With().Str("module", name).Logger(),
		base:       zl.base,
		config:     &cfg,
		subsystem:  name,
		fileWriter: zl.fileWriter,
	}
}

func (zl *ZerologLogger) WithFields(fields ...TypedField) Logger {
	if len(fields) == 0 {
		return zl
	}
	m := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		m[f.key()] = f.value()
	}
	return &ZerologLogger{
		logger:     zl.logger.With().Fields(m).Logger(),
		base:       zl.base,
		config:     zl.config,
		subsystem:  zl.subsystem,
		fileWriter: zl.fileWriter,
	}
}

func (zl *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	return zl.logger.GetLevel() <= toZerologLevel(level)
}

// Close releases the rotating file sink, if any.
func (zl *ZerologLogger) Close() error {
	if zl.fileWriter != nil {
		return zl.fileWriter.Close()
	}
	return nil
}
