package logging

import (
	"fmt"
	"os"
)

// Fatal-startup helpers. They log at Error level and terminate the process
// with exit status 1.

func (log *Logger) Fatal(v ...interface{}) {
	log.Log(Error, 1, "%s", fmt.Sprint(v...))
	os.Exit(1)
}

func (log *Logger) Fatalf(format string, v ...interface{}) {
	log.Log(Error, 1, format, v...)
	os.Exit(1)
}
