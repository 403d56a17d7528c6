// Package common provides centralized logging infrastructure for the collabd
// service. It implements intelligent log output routing that directs error
// messages to stderr while sending other log levels to stdout, enabling
// proper stream separation for containerized environments.
//
// The logging system is built on logrus for structured logging capabilities
// with custom output handling that supports both development workflows and
// production deployment patterns.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity level. Error-level lines go to stderr so orchestration
// platforms and log aggregators can treat them with higher priority; all
// other levels go to stdout.
type OutputSplitter struct{}

// Write implements io.Writer, inspecting the formatted log line for the
// error level marker and choosing the output stream accordingly.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance used across collabd packages.
// Services should derive component loggers from it via WithField so every
// line carries a component tag.
var Logger = newDefaultLogger()

func newDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(&OutputSplitter{})
	return logger
}
