package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1024", 1024, false},
		{"64KB", 64 * 1024, false},
		{"16 MB", 16 * 1024 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"0", 0, true},
		{"-5", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PASSCODE_CHUNK_SIZE", "64KB")
	t.Setenv("PASSCODE_WORKERS", "3")
	t.Setenv("PASSCODE_VERIFY_MODE", "strong")
	t.Setenv("PASSCODE_KEEP_SOURCE", "true")
	t.Setenv("PASSCODE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 64*1024, cfg.ChunkSize)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, VerifyStrong, cfg.VerifyMode)
	assert.False(t, cfg.RemoveSource)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PASSCODE_VERIFY_MODE", "sometimes")
	_, err := Load()
	assert.Error(t, err)
}
