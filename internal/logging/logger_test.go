package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, "info")
	log.WithField("ride_request_id", "r1").Info("matched")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "matched", entry["msg"])
	assert.Equal(t, "r1", entry["ride_request_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, levelFromString(" DEBUG "))
	assert.Equal(t, logrus.WarnLevel, levelFromString("warning"))
	assert.Equal(t, logrus.ErrorLevel, levelFromString("error"))
	assert.Equal(t, logrus.InfoLevel, levelFromString("bogus"))
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info").Debug("hidden")
	assert.Zero(t, buf.Len())
}
