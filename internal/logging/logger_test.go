package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{
		"error": Error,
		"W":     Warn,
		"info":  Info,
		"d":     Debug,
		"trace": MaxLevel,
		"5":     Level(5),
	} {
		level, err := ParseLevel(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, level, s)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
	_, err = ParseLevel("12")
	assert.Error(t, err)
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var out bytes.Buffer
	log := New("test", &out)
	log.SetLevel(Warn)

	log.Info("hidden %d", 1)
	log.Warn("shown %d", 2)

	s := out.String()
	assert.NotContains(t, s, "hidden")
	assert.Contains(t, s, "W/test")
	assert.Contains(t, s, "shown 2\n")
	assert.Contains(t, s, "logger_test.go")
}

func TestTagDirectives(t *testing.T) {
	require.NoError(t, Configure("tagged-for-test=debug"))

	var out bytes.Buffer
	log := New("tagged-for-test", &out)
	log.Debug("visible")
	assert.Contains(t, out.String(), "D/tagged-for-test")

	other := New("other-for-test", &out)
	assert.Equal(t, getDefaultLevel(), other.Level())
}
