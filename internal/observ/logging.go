package observ

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00"})
	l.SetOutput(os.Stdout)
	return l
}

// LogConfig controls log level and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// InitLogging applies the logging configuration. With a file path set, logs
// go to a rotated file and stdout; otherwise stdout only.
func InitLogging(cfg LogConfig) {
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.FilePath != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, rotated))
	}
}

// Log emits a structured event line at info level.
func Log(event string, kv map[string]any) {
	logger.WithFields(logrus.Fields(kv)).Info(event)
}

// Warn emits a structured event line at warning level.
func Warn(event string, kv map[string]any) {
	logger.WithFields(logrus.Fields(kv)).Warn(event)
}

// Error emits a structured event line at error level.
func Error(event string, kv map[string]any) {
	logger.WithFields(logrus.Fields(kv)).Error(event)
}
