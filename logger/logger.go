package logger

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level
type LogLevel int

const (
	TraceLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
	PanicLevel
)

var levelNames = map[LogLevel]string{
	TraceLevel: "trace",
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
	FatalLevel: "fatal",
	PanicLevel: "panic",
}

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLogLevel parses a string to LogLevel. Unknown values map to InfoLevel.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return TraceLevel
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error", "err":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	case "panic":
		return PanicLevel
	default:
		return InfoLevel
	}
}

// OutputFormat represents the output format
type OutputFormat int

const (
	JSONFormat OutputFormat = iota
	ConsoleFormat
)

func (o OutputFormat) String() string {
	if o == JSONFormat {
		return "json"
	}
	return "console"
}

// ParseOutputFormat parses a string to OutputFormat
func ParseOutputFormat(format string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return JSONFormat
	}
	return ConsoleFormat
}

// TypedField represents a type-safe field for structured logging
type TypedField interface {
	apply(event *zerolog.Event) *zerolog.Event
	key() string
	value() interface{}
}

type (
	StringField struct {
		Key   string
		Value string
	}
	IntField struct {
		Key   string
		Value int
	}
	Int64Field struct {
		Key   string
		Value int64
	}
	BoolField struct {
		Key   string
		Value bool
	}
	DurationField struct {
		Key   string
		Value time.Duration
	}
	TimeField struct {
		Key   string
		Value time.Time
	}
	ErrorField struct {
		Key   string
		Value error
	}
	AnyField struct {
		Key   string
		Value interface{}
	}
	// SecretField carries a credential. Only a short prefix ever reaches the output.
	SecretField struct {
		Key   string
		Value string
	}
)

func String(key, value string) TypedField { return StringField{Key: key, Value: value} }

func Int(key string, value int) TypedField { return IntField{Key: key, Value: value} }

func Int64(key string, value int64) TypedField { return Int64Field{Key: key, Value: value} }

func Bool(key string, value bool) TypedField { return BoolField{Key: key, Value: value} }

func Duration(key string, value time.Duration) TypedField {
	return DurationField{Key: key, Value: value}
}

func Time(key string, value time.Time) TypedField { return TimeField{Key: key, Value: value} }

func Err(value error) TypedField { return ErrorField{Key: "error", Value: value} }

func Any(key string, value interface{}) TypedField { return AnyField{Key: key, Value: value} }

// Secret logs a token value as its first few characters followed by a mask.
func Secret(key, value string) TypedField { return SecretField{Key: key, Value: value} }

// secretPrefixLen is how much of a secret survives redaction.
const secretPrefixLen = 6

// Redact masks all but the first characters of a secret.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= secretPrefixLen*2 {
		return "[redacted]"
	}
	return value[:secretPrefixLen] + "...[redacted]"
}

// Logger defines the public interface for logging
type Logger interface {
	Trace(msg string, fields ...TypedField)
	Debug(msg string, fields ...TypedField)
	Info(msg string, fields ...TypedField)
	Warn(msg string, fields ...TypedField)
	Error(msg string, fields ...TypedField)
	Fatal(msg string, fields ...TypedField)
	Panic(msg string, fields ...TypedField)

	Tracef(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// WithSubsystem appends name to the current module path ("a.b").
	WithSubsystem(name string) Logger

	// WithSystem replaces the module path.
	WithSystem(name string) Logger

	WithFields(fields ...TypedField) Logger

	IsLevelEnabled(level LogLevel) bool

	Close() error
}
