package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewClientLogger builds the logrus logger used by the peer client and CLI.
func NewClientLogger(level string) *logrus.Logger {
	return NewClientLoggerTo(os.Stderr, level)
}

func NewClientLoggerTo(out io.Writer, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
