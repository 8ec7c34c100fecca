// Package logging configures the process-wide loggo writers and levels.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

// syslogLevels maps syslog severity names onto loggo levels. loggo has no
// notice, alert or emergency level.
var syslogLevels = map[string]loggo.Level{
	"debug":   loggo.DEBUG,
	"info":    loggo.INFO,
	"notice":  loggo.INFO,
	"warning": loggo.WARNING,
	"error":   loggo.ERROR,
	"crit":    loggo.CRITICAL,
	"alert":   loggo.CRITICAL,
	"emerg":   loggo.CRITICAL,
}

// ParseLevel accepts syslog names as well as loggo's own level names.
func ParseLevel(name string) (loggo.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if level, ok := syslogLevels[name]; ok {
		return level, nil
	}
	if level, ok := loggo.ParseLevel(name); ok && level != loggo.UNSPECIFIED {
		return level, nil
	}
	return loggo.UNSPECIFIED, errors.NotValidf("log level %q", name)
}

// Configure replaces the default writer with one writing to w and sets the
// root level.
func Configure(w io.Writer, level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return errors.Trace(err)
	}
	loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(w, formatEntry))
	return errors.Trace(loggo.ConfigureLoggers(fmt.Sprintf("<root>=%s", lvl)))
}

func formatEntry(entry loggo.Entry) string {
	ts := entry.Timestamp.In(time.UTC).Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%s %-8s %s %s", ts, entry.Level, entry.Module, entry.Message)
}
