package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &m))
		out = append(out, m)
	}
	return out
}

func TestFromCtxAddsRunFields(t *testing.T) {
	buf := capture(t)
	ctx := WithRun(context.Background(), "run1", "42", "", "youtube")
	l := FromCtx(ctx)
	l.Info().Msg("hello")

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "run1", got[0]["run"])
	assert.Equal(t, "42", got[0]["uid"])
	assert.Equal(t, "youtube", got[0]["cmd"])
	assert.NotContains(t, got[0], "guild")
}

func TestLineWriterSkipsBlankLines(t *testing.T) {
	buf := capture(t)
	lw := NewLineWriter(log.Logger, map[string]string{"proc": "ffmpeg"}, zerolog.DebugLevel)
	lw.Pipe(strings.NewReader("frame=1\n\n   \nframe=2\n"))

	got := lines(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, "frame=1", got[0]["message"])
	assert.Equal(t, "ffmpeg", got[1]["proc"])
	assert.Equal(t, "debug", got[1]["level"])
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	c := FromEnv("bot")
	assert.Equal(t, "bot", c.Service)
	assert.Equal(t, "info", c.Level)
	assert.Equal(t, "json", c.Format)
}
