// Package obslog centralizes the structured logging every transport emits.
// Server startup logs at Info; per-I/O-step errors (a single
// recv/send/pread/pwrite) log at Debug, socket failures at Warn and file
// failures at Error. Accept, dispatch and close are not logged.
package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the base logger. level is parsed with logrus's own parser so
// callers can feed it straight from a config string ("debug", "info", ...).
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{FullTimestamp: true}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// ForConn returns a per-connection entry carrying the fields every
// transport's log lines share, so grepping one connection's lifecycle
// works the same way regardless of which transport handled it.
func ForConn(log *logrus.Logger, transport string, fd int) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"transport": transport,
		"fd":        fd,
	})
}
