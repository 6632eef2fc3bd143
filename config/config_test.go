package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Config_GeneratesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gravity.toml")

	cfg, err := Load(path, "0.1.0")
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	assert.Equal(t, ":53", cfg.Bind)
	assert.Equal(t, 3*time.Second, cfg.Timeout.Duration)
	assert.Equal(t, "0.1.0", cfg.ServerVersion())
	assert.NotEmpty(t, cfg.Upstreams)
	assert.Equal(t, uint32(3600), cfg.BlockTTL)
}

func Test_Config_LoadsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gravity.toml")
	src := `
version = "1.0.0"
bind = ":5353"
upstreams = ["quic://dns.example:853"]
timeout = "1s"
dnssec = true
blocklist = ["ads.example.com"]
allowlist = ["good.example.com"]
cachesize = 1024
clientratelimit = 30
listrefresh = "1h"
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o640))

	cfg, err := Load(path, "0.1.0")
	require.NoError(t, err)

	assert.Equal(t, ":5353", cfg.Bind)
	assert.Equal(t, []string{"quic://dns.example:853"}, cfg.Upstreams)
	assert.Equal(t, time.Second, cfg.Timeout.Duration)
	assert.True(t, cfg.DNSSEC)
	assert.Equal(t, []string{"ads.example.com"}, cfg.Blocklist)
	assert.Equal(t, 1024, cfg.CacheSize)
	assert.Equal(t, 30, cfg.ClientRateLimit)
	assert.Equal(t, time.Hour, cfg.ListRefresh.Duration)
}

func Test_Config_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gravity.toml")
	require.NoError(t, os.WriteFile(path, []byte("bind = ["), 0o640))

	_, err := Load(path, "0.1.0")
	assert.Error(t, err)
}
