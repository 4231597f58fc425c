package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"err":     zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNew_JSONWritesComponentField(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New("info", "json", &buf), "supervisor")
	l.Info().Str("event", "spawn_start").Msg("")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "supervisor", rec["component"])
	assert.Equal(t, "spawn_start", rec["event"])
}

func TestOpenDebugLog_Appends(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "debug.log")
	d1, err := OpenDebugLog(p)
	require.NoError(t, err)
	d1.Info().Str("event", "first").Msg("")
	require.NoError(t, d1.Close())

	d2, err := OpenDebugLog(p)
	require.NoError(t, err)
	d2.Info().Str("event", "second").Msg("")
	require.NoError(t, d2.Close())

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "first")
	assert.Contains(t, lines[1], "second")
}

func TestOpenDebugLog_EmptyPathIsNop(t *testing.T) {
	d, err := OpenDebugLog("")
	require.NoError(t, err)
	d.Info().Msg("dropped")
	assert.NoError(t, d.Close())
}
