// Package corelog is the core's leveled logger. Before ExitBootServices it
// writes to the firmware console; after, to whatever ring buffer the
// out-of-scope log-buffer component installs as its sink. Either way the
// core only ever sees an io.Writer.
package corelog

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
)

// Level orders log severity, lowest first.
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
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "?"
	}
}

// Logger writes leveled, prefixed lines to a single sink. It is safe for
// concurrent use even though the main loop is single-threaded: the
// pre-exit phase and post-exit phase do not overlap in time but may be
// invoked from different call stacks during testing.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	min    Level
	prefix string
}

// New returns a Logger writing lines at or above min to out.
func New(out io.Writer, min Level) *Logger {
	return &Logger{out: out, min: min}
}

// With returns a child logger that prefixes every line with name.
func (l *Logger) With(name string) *Logger {
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	return &Logger{out: l.out, min: l.min, prefix: prefix}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		fmt.Fprintf(l.out, "[%s] %s: %s\n", level, l.prefix, msg)
		return
	}
	fmt.Fprintf(l.out, "[%s] %s\n", level, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(Error, format, args...) }

// Bytes formats a byte count the way the teacher's CLI reports image and
// partition sizes, e.g. "4.3 GB".
func Bytes(n uint64) string {
	return humanize.Bytes(n)
}

// Rate formats a bytes-per-second throughput figure for download progress
// logging.
func Rate(bytesPerSecond float64) string {
	return humanize.Bytes(uint64(bytesPerSecond)) + "/s"
}
