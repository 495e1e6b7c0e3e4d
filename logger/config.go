package logger

import (
	"io"
	"os"
)

// Config holds the configuration for the logger
type Config struct {
	Level          LogLevel
	Format         OutputFormat
	Outputs        []io.Writer
	Subsystem      string
	FileConfig     *FileConfig
	EnableCaller   bool
	EnableSampling bool
	CallerSkip     int
}

// FileConfig holds lumberjack rotation settings
type FileConfig struct {
	Filename   string
	MaxSize    int // megabytes
	MaxAge     int // days
	MaxBackups int
	Compress   bool
}

// DefaultConfig logs debug and above to stderr in console format.
func DefaultConfig() *Config {
	return &Config{
		Level:   DebugLevel,
		Format:  ConsoleFormat,
		Outputs: []io.Writer{os.Stderr},
	}
}

// ProductionConfig logs JSON at info level to stderr and to a rotated file
// when filename is set.
func ProductionConfig(filename string) *Config {
	cfg := &Config{
		Level:          InfoLevel,
		Format:         JSONFormat,
		Outputs:        []io.Writer{os.Stderr},
		EnableSampling: true,
	}
	if filename != "" {
		cfg.FileConfig = DefaultFileConfig(filename)
	}
	return cfg
}

// DefaultFileConfig returns rotation defaults for filename.
func DefaultFileConfig(filename string) *FileConfig {
	return &FileConfig{
		Filename:   filename,
		MaxSize:    20,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
	}
}
