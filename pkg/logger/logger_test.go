package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptchain/server/internal/core"
)

func useBuffer(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	Init(LoggerOpts{Environment: core.Production, Level: level, Output: &buf})
	return &buf
}

func TestRun_CarriesRunFields(t *testing.T) {
	buf := useBuffer(t, "debug")

	Run("chatcmpl-1", "user-1").Debug().Str("stage", "analyze").Msg("LLM usage")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "chatcmpl-1", line["run_id"])
	assert.Equal(t, "user-1", line["user_id"])
	assert.Equal(t, "analyze", line["stage"])
	assert.Equal(t, "debug", line["level"])
}

func TestRun_OmitsEmptyUser(t *testing.T) {
	buf := useBuffer(t, "")

	Run("chatcmpl-2", "").Warn().Msg("chain_answer failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "chatcmpl-2", line["run_id"])
	assert.NotContains(t, line, "user_id")
}

func TestInit_LevelFiltersEvents(t *testing.T) {
	buf := useBuffer(t, "")

	// production defaults to info
	Run("chatcmpl-3", "").Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}
