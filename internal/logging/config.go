package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

const envVar = "LOGLEVEL"

type tagLevel struct {
	tag   string
	level Level
}

var (
	tagLevels   []tagLevel
	tagLevelsMu sync.RWMutex
)

func init() {
	// Parse environment variable into comma-separated "tag=level" directives.
	// If "tag=" is absent, use the level as the default.
	if err := Configure(os.Getenv(envVar)); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid %s: %s\n", envVar, err)
	}
}

// Configure applies comma-separated "tag=level" directives. A directive
// without a tag changes the default level of DefaultLogger. Directives that
// fail to parse are skipped; the first error is returned.
func Configure(directives string) error {
	var firstErr error
	for _, d := range strings.Split(directives, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		v := strings.SplitN(d, "=", 2)
		level, err := ParseLevel(v[len(v)-1])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(v) == 1 {
			SetDefaultLevel(level)
		} else {
			tagLevelsMu.Lock()
			tagLevels = append(tagLevels, tagLevel{v[0], level})
			tagLevelsMu.Unlock()
		}
	}
	return firstErr
}

func determineLevel(tag string, fallback Level) Level {
	tagLevelsMu.RLock()
	defer tagLevelsMu.RUnlock()
	// Later directives win.
	for i := len(tagLevels) - 1; i >= 0; i-- {
		if tagLevels[i].tag == tag {
			return tagLevels[i].level
		}
	}
	return fallback
}
