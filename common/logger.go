// Package common provides shared logging and filesystem utilities used across
// the orchestration core.
package common

import (
	"time"

	"github.com/sirupsen/logrus"
)

// LoggerConfig contains configuration for creating a logger.
type LoggerConfig struct {
	Level      string // debug, info, warn, error
	Format     string // "json" or "text"
	Service    string // service name stamped on every entry
	TimeFormat string
}

// NewLogger creates a configured logrus logger. The returned entry carries the
// service field; components derive their own entries with WithField.
func NewLogger(config LoggerConfig) *logrus.Entry {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	timeFormat := config.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}
	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: timeFormat,
			FullTimestamp:   true,
		})
	}

	entry := logrus.NewEntry(logger)
	if config.Service != "" {
		entry = entry.WithField("service", config.Service)
	}
	return entry
}

// StageLogger derives a logger entry for one stage execution.
func StageLogger(base *logrus.Entry, taskID, stage string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"task_id": taskID,
		"stage":   stage,
	})
}
