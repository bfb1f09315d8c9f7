package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRespectsLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "WARN", true)

	log.Info("hidden")
	assert.Zero(t, buf.Len())

	log.Warn("DegenerateOrbit: acceleration clamped", "body_id", "p1")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "p1", line["body_id"])
}
