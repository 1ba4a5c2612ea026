package util

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jamlinkio/jamlink/formatter"
)

// LogConsole sends logs to stderr instead of a rotated file.
const LogConsole = "console"

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != LogConsole {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	} else {
		log.SetOutput(os.Stderr)
	}

	formatter.SetTextFormatter(log.StandardLogger())
	log.SetLevel(level)
	return nil
}
