package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/relay-dev/relay/internal/protocol"
)

// homeDirOverride is set during tests to avoid touching the real home.
var homeDirOverride string

// Client holds the resolved tunnel-client configuration. Precedence is
// CLI flags > environment (RELAY_*) > properties file > defaults.
type Client struct {
	Port      int
	Server    string
	Key       string
	Subdomain string
	Insecure  bool
	Quiet     bool
	Verbose   bool
	Reconnect bool
}

// clientSearchPaths returns the properties files consulted in order; the
// first one that exists is loaded.
func clientSearchPaths() []string {
	home := homeDirOverride
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	paths := []string{"application.properties"}
	if home != "" {
		paths = append(paths, filepath.Join(home, ".relay", "config.properties"))
	}
	return append(paths, "/etc/relay/config.properties")
}

func newViper(searchPaths []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("properties")
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		break
	}
	return v, nil
}

// ClientFlags is the subset of CLI flags that override file and environment
// values. Empty strings and false mean "not set on the command line".
type ClientFlags struct {
	Server    string
	Key       string
	Subdomain string
	Insecure  bool
	Quiet     bool
	Verbose   bool
}

// LoadClient resolves the client configuration for the given local port.
func LoadClient(port int, flags ClientFlags) (*Client, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d: ports must be between 1 and 65535", port)
	}

	v, err := newViper(clientSearchPaths())
	if err != nil {
		return nil, err
	}
	v.SetDefault("reconnect.enabled", true)

	cfg := &Client{
		Port:      port,
		Server:    v.GetString("server"),
		Key:       v.GetString("key"),
		Subdomain: v.GetString("subdomain"),
		Insecure:  v.GetBool("insecure"),
		Reconnect: v.GetBool("reconnect.enabled"),
		Quiet:     flags.Quiet,
		Verbose:   flags.Verbose,
	}
	if flags.Server != "" {
		cfg.Server = flags.Server
	}
	if flags.Key != "" {
		cfg.Key = flags.Key
	}
	if flags.Subdomain != "" {
		cfg.Subdomain = flags.Subdomain
	}
	if flags.Insecure {
		cfg.Insecure = true
	}

	if cfg.Server == "" {
		return nil, fmt.Errorf("server is required: pass --server or set it in a config file")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("secret key is required: pass --key or set it in a config file")
	}
	if cfg.Subdomain != "" {
		if ok, reason := protocol.ValidateSubdomain(cfg.Subdomain); !ok {
			return nil, fmt.Errorf("invalid subdomain %q: %s", cfg.Subdomain, reason)
		}
	}
	return cfg, nil
}

// LocalURL is the origin the client replays traffic against.
func (c *Client) LocalURL() string {
	return fmt.Sprintf("http://localhost:%d", c.Port)
}

// ServerURL derives the upstream WebSocket URL, carrying the secret and the
// optional requested subdomain as query parameters.
func (c *Client) ServerURL() string {
	scheme := "wss"
	if c.Insecure {
		scheme = "ws"
	}
	q := url.Values{}
	q.Set(protocol.SecretQueryParam, c.Key)
	if c.Subdomain != "" {
		q.Set(protocol.SubdomainQueryParam, c.Subdomain)
	}
	return fmt.Sprintf("%s://%s%s?%s", scheme, c.Server, protocol.TunnelPath, q.Encode())
}
