package anxcache

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitedLoggerReportsSuppressedCount(t *testing.T) {
	var buf bytes.Buffer
	l := newRateLimitedLogger(slog.New(slog.NewJSONHandler(&buf, nil)), 50*time.Millisecond)

	l.Warn("storage failed", "op", "match")
	l.Warn("storage failed", "op", "match")
	l.Warn("storage failed", "op", "match")
	time.Sleep(60 * time.Millisecond)
	l.Warn("storage failed", "op", "put")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, last map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &last))
	assert.NotContains(t, first, "suppressed")
	assert.EqualValues(t, 2, last["suppressed"])
	assert.Equal(t, "put", last["op"])
}
