package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	logger, err := Init(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info().Msg("dropped")
	log.Warn().Int("instance", 3).Msg("kept")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["message"])
	assert.Equal(t, "fleet", entry["app"])
	assert.EqualValues(t, 3, entry["instance"])
}

func TestInitHuman(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var buf bytes.Buffer
	logger, err := Init(&buf, "", "human")
	require.NoError(t, err)

	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestInitBadLevel(t *testing.T) {
	_, err := Init(&bytes.Buffer{}, "loud", "json")
	assert.Error(t, err)
}
