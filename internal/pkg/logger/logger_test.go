package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureDefault(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(level)
	SetRedactPII(true)
	t.Cleanup(func() {
		SetLevel(INFO)
	})
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]string {
	t.Helper()
	var out []map[string]string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]string
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestLevelFiltering(t *testing.T) {
	buf := captureDefault(t, WARN)

	Info("dropped")
	Warn("kept", "attempt", 3)

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "WARN", entries[0]["level"])
	assert.Equal(t, "kept", entries[0]["msg"])
	assert.Equal(t, "3", entries[0]["attempt"])
}

func TestWithCarriesFields(t *testing.T) {
	buf := captureDefault(t, DEBUG)

	log := With("component", "coordinator")
	log.With("job_id", "j-1").Info("step completed", "step_id", "s-1")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "coordinator", entries[0]["component"])
	assert.Equal(t, "j-1", entries[0]["job_id"])
	assert.Equal(t, "s-1", entries[0]["step_id"])
}

func TestRedaction(t *testing.T) {
	buf := captureDefault(t, DEBUG)

	Info("sent", "recipient", "john.doe@example.com", "note", "copy to ab@example.org")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "jo***@example.com", entries[0]["recipient"])
	assert.Equal(t, "copy to ***@example.org", entries[0]["note"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{"warning", WARN, false},
		{"error", ERROR, false},
		{"verbose", INFO, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
