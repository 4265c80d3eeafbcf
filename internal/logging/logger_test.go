package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level string
		want  []string
	}{
		{level: "trace", want: []string{"trace", "debug", "info"}},
		{level: "debug", want: []string{"debug", "info"}},
		{level: "info", want: []string{"info"}},
		{level: "", want: []string{"info"}},
		{level: "bogus", want: []string{"info"}},
		{level: "error", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Level: tt.level, Output: &buf})

			logger.Trace().Msg("trace")
			logger.Debug().Msg("debug")
			logger.Info().Msg("info")

			var got []string
			dec := json.NewDecoder(&buf)
			for dec.More() {
				var line map[string]any
				require.NoError(t, dec.Decode(&line))
				got = append(got, line["message"].(string))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithComponent(Config{Level: "info", Output: &buf}, "provision")
	logger.Info().Str("subject", "alice").Msg("Issued")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "provision", line["component"])
	assert.Equal(t, "alice", line["subject"])
	assert.Contains(t, line, "time")
}

func TestPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Pretty: true, Output: &buf})
	logger.Info().Msg("human readable")

	assert.Contains(t, buf.String(), "human readable")
	assert.NotContains(t, buf.String(), `"message"`)
}
