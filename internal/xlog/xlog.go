// Package xlog is a thin level filter over stdlib log, in the teacher's
// own register (plain log.Printf narration — see internal/driver/device's
// usb_device.go/controller.go). Firehose <log> elements are spec'd as
// debug-level (spec §4.5); everything else defaults to info.
package xlog

import (
	"log"
	"os"
)

// Level is the severity of a log line.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "INFO"
	}
}

var minLevel = Info

func init() {
	if os.Getenv("FLASHKIT_DEBUG") != "" {
		minLevel = Debug
	}
}

// Logger is a named component logger (e.g. "bsl", "firehose", "sahara").
type Logger struct {
	component string
}

// New returns a Logger tagging every line with component.
func New(component string) *Logger { return &Logger{component: component} }

func (lg *Logger) log(level Level, format string, args ...any) {
	if level < minLevel {
		return
	}
	log.Printf("[%s] %s: "+format, append([]any{level, lg.component}, args...)...)
}

func (lg *Logger) Debugf(format string, args ...any) { lg.log(Debug, format, args...) }
func (lg *Logger) Infof(format string, args ...any)  { lg.log(Info, format, args...) }
func (lg *Logger) Warnf(format string, args ...any)  { lg.log(Warn, format, args...) }
func (lg *Logger) Errorf(format string, args ...any) { lg.log(Error, format, args...) }
