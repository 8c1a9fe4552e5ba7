package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const timestampFormat = "2006-01-02 15:04:05.000"

type Logger struct {
	// The level at which this logger logs. Messages intended for a higher
	// (more verbose) level are discarded.
	Level

	// Tag used to filter and classify log messages.
	Tag string

	out io.Writer

	// Mutex to prevent messages from different goroutines from interleaving.
	// Shared by all derived loggers.
	mu *sync.Mutex
}

// Write to stderr by default.
var DefaultLogger = &Logger{defaultLevel, "", os.Stderr, new(sync.Mutex)}

// Override the destination for this logger.
func (log *Logger) SetDestination(out io.Writer) {
	log.out = out
}

// Derive a new logger with the given tag. The level is looked up from the
// LOGLEVEL directives, falling back to the parent's level.
func (log *Logger) WithTag(tag string) *Logger {
	return &Logger{determineLevel(tag, log.Level), tag, log.out, log.mu}
}

// Derive a new logger with the given default level. This can still be
// overridden at runtime via LOGLEVEL.
func (log *Logger) WithDefaultLevel(level Level) *Logger {
	return &Logger{determineLevel(log.Tag, level), log.Tag, log.out, log.mu}
}

// A shared pool of message buffers. Initial capacity 256 covers most lines.
var bufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 0, 256)
	},
}

// Log a message at the given level. Include the file and line number from
// 'calldepth' steps up the call stack.
func (log *Logger) Log(level Level, calldepth int, format string, a ...interface{}) {
	if level > log.Level {
		// Message is too verbose for this logger.
		return
	}

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf[:0])

	buf = append(buf, ansiWhite...)
	buf = time.Now().AppendFormat(buf, timestampFormat)
	buf = append(buf, ' ')
	buf = append(buf, level.color()...)
	buf = append(buf, level.letter())
	buf = append(buf, '/')
	buf = append(buf, log.Tag...)

	// Identify the caller of Error()/Warn()/Info()/etc.
	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		file = "?"
	}
	buf = append(buf, fmt.Sprintf("[%s:%d] ", filepath.Base(file), line)...)
	buf = append(buf, ansiReset...)

	buf = append(buf, fmt.Sprintf(format, a...)...)
	if n := len(buf); n == 0 || buf[n-1] != '\n' {
		buf = append(buf, '\n')
	}

	// Lock before writing to avoid interleaving of log messages.
	log.mu.Lock()
	log.out.Write(buf)
	log.mu.Unlock()
}

func (log *Logger) Error(format string, a ...interface{}) {
	log.Log(Error, 1, format, a...)
}

func (log *Logger) Warn(format string, a ...interface{}) {
	log.Log(Warn, 1, format, a...)
}

func (log *Logger) Info(format string, a ...interface{}) {
	log.Log(Info, 1, format, a...)
}

func (log *Logger) Debug(format string, a ...interface{}) {
	log.Log(Debug, 1, format, a...)
}

func (log *Logger) Trace(n int, format string, a ...interface{}) {
	log.Log(Level(n), 1, format, a...)
}

// Fatalf logs at Error level and exits the process. Meant for main packages.
func (log *Logger) Fatalf(format string, a ...interface{}) {
	log.Log(Error, 1, format, a...)
	os.Exit(1)
}

// Panicf logs at Error level and panics with the same message.
func (log *Logger) Panicf(format string, a ...interface{}) {
	s := fmt.Sprintf(format, a...)
	log.Log(Error, 1, s)
	panic(s)
}
