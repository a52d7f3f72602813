package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fatih/color"
)

const timestampFormat = "2006-01-02 15:04:05.000"

type Logger struct {
	// Tag used to filter and classify log messages.
	Tag string

	// Explicit level for this logger. When unset, the level is looked up from
	// the tag directives and the process default at every call, so that a
	// configuration file loaded after package initialization still applies.
	level    Level
	explicit bool

	out io.Writer

	// Colorize level and timestamp. Only set for terminal destinations.
	colored bool

	// Mutex to prevent messages from different goroutines from interleaving.
	// Shared by all derived loggers.
	mu *sync.Mutex
}

// Write to stderr by default.
var DefaultLogger = &Logger{
	out:     os.Stderr,
	colored: !color.NoColor,
	mu:      new(sync.Mutex),
}

// New creates an uncolored logger writing to out. Mostly useful in tests,
// where log output is captured and inspected.
func New(tag string, out io.Writer) *Logger {
	return &Logger{Tag: tag, out: out, mu: new(sync.Mutex)}
}

// Override the destination for this logger.
func (log *Logger) SetDestination(out io.Writer) {
	log.mu.Lock()
	log.out = out
	log.mu.Unlock()
}

// SetLevel pins the level of this logger, ignoring LOGLEVEL directives.
func (log *Logger) SetLevel(level Level) {
	log.level = level
	log.explicit = true
}

// Level returns the level currently in effect for this logger.
func (log *Logger) Level() Level {
	if log.explicit {
		return log.level
	}
	return determineLevel(log.Tag, getDefaultLevel())
}

// Derive a new logger with the given tag. The level is looked up based on the
// tag.
func (log *Logger) WithTag(tag string) *Logger {
	return &Logger{
		Tag:      tag,
		level:    log.level,
		explicit: log.explicit,
		out:      log.out,
		colored:  log.colored,
		mu:       log.mu,
	}
}

// Wrapper for []byte that implements io.Writer. Simpler and cheaper than
// bytes.Buffer.
type buffer []byte

func (b *buffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}

func (b *buffer) writeString(s string) {
	*b = append(*b, s...)
}

func (b *buffer) writeByte(c byte) {
	*b = append(*b, c)
}

// A global buffer pool, shared across all loggers. Initial capacity is 256 to
// accommodate *most* log lines.
var bufPool = sync.Pool{
	New: func() interface{} {
		return make(buffer, 0, 256)
	},
}

// Log a message at the given level. Include the file and line number from
// 'calldepth' steps up the call stack.
func (log *Logger) Log(level Level, calldepth int, format string, a ...interface{}) {
	if level > log.Level() {
		// Message is too verbose for this logger.
		return
	}

	// Grab an empty buffer from the pool.
	buf := bufPool.Get().(buffer)
	// When we're done, reset the buffer and return it to the pool.
	defer func() { bufPool.Put(buf[:0]) }()

	// Write the current timestamp.
	stamp := time.Now().Format(timestampFormat)
	if log.colored {
		buf.writeString(colorStamp.Sprint(stamp))
	} else {
		buf.writeString(stamp)
	}

	// Write level and tag.
	prefix := fmt.Sprintf("%c/%s", level.letter(), log.Tag)
	buf.writeByte(' ')
	if log.colored {
		buf.writeString(level.color().Sprint(prefix))
	} else {
		buf.writeString(prefix)
	}

	// Get the caller of Error()/Warn()/Info()/etc.
	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		file = "?"
	}

	// Write file and line number.
	fmt.Fprintf(&buf, "[%s:%d] ", filepath.Base(file), line)

	// Write formatted log message.
	fmt.Fprintf(&buf, format, a...)

	// Append newline if necessary.
	if n := len(buf); n == 0 || buf[n-1] != '\n' {
		buf.writeByte('\n')
	}

	// Lock before writing to avoid interleaving of log messages.
	log.mu.Lock()
	_, err := log.out.Write(buf)
	log.mu.Unlock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to log to %v: %v\n", log.out, err)
	}
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
