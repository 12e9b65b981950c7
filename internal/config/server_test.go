package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relay-dev/relay/internal/protocol"
)

func TestLoadServerDefaults(t *testing.T) {
	isolateConfig(t)

	cfg, err := LoadServer(ServerFlags{Domain: "relay.test", SecretKeys: []string{"sk-1"}})
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, protocol.DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, int64(protocol.DefaultMaxBodySize), cfg.MaxBodySize)
	assert.Equal(t, 0, cfg.MaxTunnels)
	assert.Equal(t, 0, cfg.MetricsPort)
}

func TestLoadServerRequiresDomainAndKeys(t *testing.T) {
	isolateConfig(t)

	_, err := LoadServer(ServerFlags{SecretKeys: []string{"sk-1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "domain is required")

	_, err = LoadServer(ServerFlags{Domain: "relay.test"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret-keys is required")
}

func TestLoadServerFromFile(t *testing.T) {
	dir := isolateConfig(t)
	props := "domain=file.test\nsecret-keys=alpha, beta ,\nport=9090\nrequest-timeout=10s\nmax-tunnels=50\n"
	path := filepath.Join(dir, "relay-server.properties")
	require.NoError(t, os.WriteFile(path, []byte(props), 0o644))

	cfg, err := LoadServer(ServerFlags{ConfigFile: path})
	require.NoError(t, err)
	assert.Equal(t, "file.test", cfg.Domain)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.SecretKeys)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 50, cfg.MaxTunnels)
}

func TestLoadServerFlagBeatsFile(t *testing.T) {
	dir := isolateConfig(t)
	props := "domain=file.test\nsecret-keys=alpha\nport=9090\n"
	path := filepath.Join(dir, "relay-server.properties")
	require.NoError(t, os.WriteFile(path, []byte(props), 0o644))

	cfg, err := LoadServer(ServerFlags{ConfigFile: path, Port: 7070, Domain: "flag.test"})
	require.NoError(t, err)
	assert.Equal(t, "flag.test", cfg.Domain)
	assert.Equal(t, 7070, cfg.Port)
}

func TestServerAllowsKey(t *testing.T) {
	cfg := &Server{SecretKeys: []string{"alpha", "beta"}}
	assert.True(t, cfg.AllowsKey("alpha"))
	assert.True(t, cfg.AllowsKey("beta"))
	assert.False(t, cfg.AllowsKey("gamma"))
	assert.False(t, cfg.AllowsKey(""), "blank keys never match")
}

func TestServerPublicURL(t *testing.T) {
	cfg := &Server{Domain: "relay.test"}
	assert.Equal(t, "https://myapp.relay.test", cfg.PublicURL("myapp"))
}
