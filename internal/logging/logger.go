package logging

import (
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/prxcore/gatewaycore/internal/config"
)

// SetLogLevel maps a KIRO_LOG_LEVEL-style string onto a logrus level.
// Unrecognised values default to info, matching the teacher's permissive
// level-parsing behaviour.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// Init configures the default logrus logger per cfg: text formatter, an
// optional rotating file sink (lumberjack), and the process-wide ring
// buffer hook for recent-log introspection.
func Init(cfg config.LoggingConfig) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	SetLogLevel(cfg.Level)

	bufSize := cfg.RingBufferSz
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	Global = NewRingBuffer(bufSize)
	log.AddHook(Global)

	if cfg.FilePath == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(log.StandardLogger().Out, rotator))
}
