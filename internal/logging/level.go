package logging

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// Logging level. Higher values indicate more verbosity.
type Level int

const (
	Error Level = iota - 2
	Warn
	Info
	Debug

	// Allow numeric logging levels up to 9.
	MaxLevel Level = 9
)

// Default level can be changed by environment variable or configuration file.
var defaultLevel = func() *atomic.Int32 {
	v := new(atomic.Int32)
	v.Store(int32(Info))
	return v
}()

// SetDefaultLevel changes the level of every logger that has not been given
// an explicit level, including loggers derived before the call.
func SetDefaultLevel(level Level) {
	defaultLevel.Store(int32(level))
}

func getDefaultLevel() Level {
	return Level(defaultLevel.Load())
}

// ParseLevel accepts a level name ("error", "warn", "info", "debug",
// "trace"), its first letter, or a number between -2 and 9.
func ParseLevel(s string) (level Level, err error) {
	// First check for well-known level names or abbreviations.
	switch strings.ToUpper(s) {
	case "E", "ERROR":
		return Error, nil
	case "W", "WARN", "WARNING":
		return Warn, nil
	case "I", "INFO":
		return Info, nil
	case "D", "DEBUG":
		return Debug, nil
	case "T", "TRACE":
		return MaxLevel, nil
	}

	// Otherwise expect an explicit numeric level.
	if n, ierr := strconv.Atoi(s); ierr != nil {
		err = errors.Errorf("invalid logging level: %q", s)
	} else {
		level = Level(n)
		if level < Error || level > MaxLevel {
			err = errors.Errorf("numeric level out of range: %q", s)
		}
	}
	return
}

func (l Level) String() string {
	switch l {
	case Error:
		return "Error"
	case Warn:
		return "Warn"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return strconv.Itoa(int(l))
	}
}

func (l Level) letter() byte {
	if l <= Debug {
		return "EWID"[l-Error]
	}
	// Numeric values up to 9 are allowed.
	return byte('0' + l)
}

var (
	colorError = color.New(color.FgRed, color.Bold)
	colorWarn  = color.New(color.FgRed)
	colorInfo  = color.New(color.Reset)
	colorDebug = color.New(color.FgGreen)
	colorTrace = color.New(color.FgYellow)
	colorStamp = color.New(color.FgWhite)
)

func (l Level) color() *color.Color {
	switch l {
	case Error:
		return colorError
	case Warn:
		return colorWarn
	case Info:
		return colorInfo
	case Debug:
		return colorDebug
	default:
		return colorTrace
	}
}
