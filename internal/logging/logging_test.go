package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "json")

	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Warn().Str("account_id", "a1").Msg("shown")
	assert.Contains(t, buf.String(), `"account_id":"a1"`)
	assert.Contains(t, buf.String(), `"service":"mailsync"`)
}

func TestNewLoggerUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "loud", "json")

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
	assert.NotContains(t, buf.String(), "hidden")
}
