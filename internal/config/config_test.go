package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Session.HeartbeatTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Session.RemovalGrace)
	assert.Equal(t, 10*time.Second, cfg.Session.CausalWait)
	assert.False(t, cfg.Conflict.AutoResolveHigh)
	assert.InDelta(t, 0.5, cfg.Conflict.HighOverlapFraction, 1e-9)
	assert.Equal(t, "lingopad.db", cfg.Storage.BoltPath)
	assert.Empty(t, cfg.Storage.PostgresDSN)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LINGOPAD_SERVER_LISTEN_ADDR", ":9191")
	t.Setenv("LINGOPAD_SESSION_CAUSAL_WAIT", "2s")
	t.Setenv("LINGOPAD_CONFLICT_AUTO_RESOLVE_HIGH", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.Server.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Session.CausalWait)
	assert.True(t, cfg.Conflict.AutoResolveHigh)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("LINGOPAD_CONFLICT_HIGH_OVERLAP_FRACTION", "1.5")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("LINGOPAD_CONFLICT_HIGH_OVERLAP_FRACTION", "0.5")
	t.Setenv("LINGOPAD_SESSION_REMOVAL_GRACE", "1s")
	_, err = Load()
	assert.Error(t, err)
}
