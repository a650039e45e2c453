package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture configures the global logger to write into a buffer and restores
// the info level afterwards.
func capture(t *testing.T, cfg Config) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	cfg.Output = buf
	Setup(cfg)
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })
	return buf
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, LevelInfo, cfg.Level)
	assert.False(t, cfg.Pretty)
	assert.NotNil(t, cfg.Output)
}

func TestSetup_Fields(t *testing.T) {
	buf := capture(t, Config{Level: LevelInfo, Fields: map[string]string{"scan_id": "scan-42"}})

	logger := NewLogger("scan")
	logger.Info().Int("batch", 3).Msg("Batch complete")

	out := buf.String()
	assert.Contains(t, out, `"scan_id":"scan-42"`)
	assert.Contains(t, out, `"component":"scan"`)
	assert.Contains(t, out, `"batch":3`)
	assert.Contains(t, out, `"message":"Batch complete"`)
}

func TestSetup_Pretty(t *testing.T) {
	buf := capture(t, Config{Level: LevelInfo, Pretty: true})

	logger := NewLogger("scan")
	logger.Info().Msg("Resuming scan")

	assert.NotContains(t, buf.String(), `{"level"`)
	assert.Contains(t, buf.String(), "Resuming scan")
}

func TestSetup_LevelFiltering(t *testing.T) {
	buf := capture(t, Config{Level: LevelWarn})

	logger := NewLogger("batch")
	logger.Debug().Msg("unit looked up")
	logger.Info().Msg("batch complete")
	logger.Warn().Msg("unit failed")
	logger.Error().Msg("output diverged")

	out := buf.String()
	assert.NotContains(t, out, "unit looked up")
	assert.NotContains(t, out, "batch complete")
	assert.Contains(t, out, "unit failed")
	assert.Contains(t, out, "output diverged")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
		zl    zerolog.Level
	}{
		{"debug", LevelDebug, zerolog.DebugLevel},
		{"INFO", LevelInfo, zerolog.InfoLevel},
		{"", LevelInfo, zerolog.InfoLevel},
		{"warning", LevelWarn, zerolog.WarnLevel},
		{"error", LevelError, zerolog.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.zl, parseLevel(got))
		})
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, zerolog.InfoLevel, parseLevel("verbose"), "unknown names log at info")
}
