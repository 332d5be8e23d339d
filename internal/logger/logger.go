package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New creates the process-wide structured logger.
func New() *logrus.Logger {
	log := logrus.New()

	log.SetOutput(os.Stdout)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	log.SetLevel(logrus.InfoLevel)

	return log
}

// NewForComponent creates a logger entry tagged with a component name.
func NewForComponent(component string) *logrus.Entry {
	return New().WithField("component", component)
}
