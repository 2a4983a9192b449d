// Package common provides the shared logging, error, and JSON plumbing used
// by both the ingest API and the pipeline worker.
//
// The logging system is built on logrus with custom output handling that
// routes error-level messages to stderr while all other levels go to stdout,
// which keeps error streams separable in containerized deployments where
// stdout and stderr are captured independently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their level. It operates on the final formatted output, so it works with
// both the text and JSON logrus formatters.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing an error-level marker are
// written to stderr; everything else goes to stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte(`level=error`)) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all packages. Services
// configure the formatter and level at startup via ConfigureLogger; until
// then it uses logrus defaults with split output routing.
var Logger = logrus.New()

// ConfigureLogger applies the configured level and format to the global
// logger. Unknown levels fall back to info; unknown formats fall back to the
// text formatter.
func ConfigureLogger(level, format string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
