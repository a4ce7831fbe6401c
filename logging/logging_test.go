// ABOUTME: Tests for logger construction
// ABOUTME: Verifies level selection and JSON output fields
package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, false)

	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())

	logger.Debug().Msg("hidden")
	logger.Info().Str("workspace_id", "ws-1").Msg("sync finished")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "sync finished", line["message"])
	assert.Equal(t, "ws-1", line["workspace_id"])
	assert.Equal(t, "info", line["level"])
	assert.Contains(t, line, "time")
}

func TestNewDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, true)

	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	logger.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}
