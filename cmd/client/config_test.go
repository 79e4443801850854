package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, modeHost, cfg.Mode)
	assert.Equal(t, 30*time.Second, cfg.KeepAlive)

	t.Setenv("PORTPROXY_SESSION", "abc")
	cfg, err = loadConfig([]string{"-mode", "connect", "-listen", "127.0.0.1:0"})
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.Session)
	assert.Equal(t, "127.0.0.1:0", cfg.ListenAddr)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig([]string{"-mode", "connect"})
	assert.Error(t, err)

	_, err = loadConfig([]string{"-mode", "relay"})
	assert.Error(t, err)
}
