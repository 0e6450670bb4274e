// Package log wraps logrus with a Fielder-based API so that hot paths can
// skip building fields entirely when debug logging is disabled.
package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	l     = logrus.New()
	debug = false
)

// SetDebug controls debug logging.
func SetDebug(to bool) {
	debug = to
	if to {
		l.SetLevel(logrus.DebugLevel)
		return
	}
	l.SetLevel(logrus.InfoLevel)
}

// DebugEnabled reports whether debug logging is enabled.
func DebugEnabled() bool { return debug }

// SetFormatter sets the formatter.
func SetFormatter(to logrus.Formatter) {
	l.SetFormatter(to)
}

// SetJSON switches between the JSON and the text formatter.
func SetJSON(to bool) {
	if to {
		l.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetOutput sets the output.
func SetOutput(to io.Writer) {
	l.SetOutput(to)
}

// Fields is a map of logging fields.
type Fields map[string]interface{}

// LogFields implements Fielder for Fields.
func (f Fields) LogFields() Fields {
	return f
}

// A Fielder provides Fields via the LogFields method.
type Fielder interface {
	LogFields() Fields
}

type errFielder struct {
	e error
}

func (e errFielder) LogFields() Fields {
	return Fields{
		"error": e.e.Error(),
		"type":  fmt.Sprintf("%T", e.e),
	}
}

// Err wraps an error so it can be passed as a Fielder.
func Err(e error) Fielder {
	return errFielder{e}
}

// merge flattens fielders into one set of logrus fields. The first Fielder's
// keys are kept as-is; later ones are prefixed with their position ("1.",
// "2.", ...) so that colliding keys survive.
func merge(fielders []Fielder) logrus.Fields {
	merged := logrus.Fields{}
	for i, f := range fielders {
		if f == nil {
			continue
		}
		prefix := ""
		if i > 0 {
			prefix = fmt.Sprint(i, ".")
		}
		for k, v := range f.LogFields() {
			merged[prefix+k] = v
		}
	}
	return merged
}

func entry(fielders []Fielder) *logrus.Entry {
	if len(fielders) == 0 {
		return logrus.NewEntry(l)
	}
	return l.WithFields(merge(fielders))
}

// Debug logs at the debug level if debug logging is enabled.
func Debug(v interface{}, fielders ...Fielder) {
	if !debug {
		return
	}
	entry(fielders).Debug(v)
}

// Info logs at the info level.
func Info(v interface{}, fielders ...Fielder) {
	entry(fielders).Info(v)
}

// Warn logs at the warning level.
func Warn(v interface{}, fielders ...Fielder) {
	entry(fielders).Warn(v)
}

// Error logs at the error level.
func Error(v interface{}, fielders ...Fielder) {
	entry(fielders).Error(v)
}

// Fatal logs at the fatal level and exits with a status code != 0.
func Fatal(v interface{}, fielders ...Fielder) {
	entry(fielders).Fatal(v)
}
