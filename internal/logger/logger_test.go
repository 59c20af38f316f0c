package logger

import (
	"bytes"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]Level{
		"":        LevelInfo,
		"TRACE":   LevelTrace,
		" debug ": LevelDebug,
		"warning": LevelWarn,
		"error":   LevelError,
	} {
		got, err := ParseLevel(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestThresholdFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFlags(0)
	prev := GetLevel()
	t.Cleanup(func() {
		SetLevel(prev)
		SetOutput(os.Stderr)
		SetFlags(log.LstdFlags | log.Lmicroseconds)
	})

	SetLevel(LevelWarn)
	Debugf("hidden %d", 1)
	Warnf("shown %d", 2)

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "[WARN] shown 2")
}
