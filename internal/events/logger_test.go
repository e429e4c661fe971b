package events_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybridge/tallysync/internal/config"
	"github.com/tallybridge/tallysync/internal/events"
)

func TestNewLoggerFromConfig(t *testing.T) {
	logger, err := events.NewLogger(&config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestJSONEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.WithFields(map[string]interface{}{
		"company_id": "co-1",
		"agent_id":   "agent-7",
	}).Info("sync queued")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "sync queued", entry["msg"])
	assert.Equal(t, "co-1", entry["company_id"])
	assert.Equal(t, "agent-7", entry["agent_id"])
	assert.NotEmpty(t, entry["time"])
}

func TestWithErrorField(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "json", &buf)

	logger.WithError(assert.AnError).Error("push failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, assert.AnError.Error(), entry["error"])
}

func TestDerivedLoggerDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := events.NewTestLogger(events.InfoLevel, "json", &buf)

	parent.WithField("company_id", "co-1").Info("tagged")
	buf.Reset()
	parent.Info("untagged")

	assert.NotContains(t, buf.String(), "company_id")
}

func TestLevelFiltering(t *testing.T) {
	cases := []struct {
		name    string
		minimum events.LogLevel
		emit    func(*events.Logger, string)
		logged  bool
	}{
		{"debug passes at debug", events.DebugLevel, (*events.Logger).Debug, true},
		{"debug dropped at info", events.InfoLevel, (*events.Logger).Debug, false},
		{"warn dropped at error", events.ErrorLevel, (*events.Logger).Warn, false},
		{"error passes at error", events.ErrorLevel, (*events.Logger).Error, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := events.NewTestLogger(tc.minimum, "text", &buf)
			tc.emit(logger, "sample")
			if tc.logged {
				assert.NotEmpty(t, buf.String())
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.InfoLevel, "text", &buf)

	logger.WithField("entity_id", "v-42").Info("claimed")

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "claimed")
	assert.Contains(t, out, "entity_id=v-42")
}
