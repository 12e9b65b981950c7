package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/relay-dev/relay/internal/protocol"
)

// Server holds the relay-server configuration.
type Server struct {
	Domain         string
	SecretKeys     []string
	Port           int
	RequestTimeout time.Duration
	MaxBodySize    int64
	MaxTunnels     int
	MetricsPort    int
}

// ServerFlags carries CLI overrides for the serve command.
type ServerFlags struct {
	ConfigFile  string
	Domain      string
	SecretKeys  []string
	Port        int
	MetricsPort int
}

const serverConfigPath = "/etc/relay/server.properties"

// LoadServer resolves the server configuration from the given file (or the
// default search location), environment, and flags.
func LoadServer(flags ServerFlags) (*Server, error) {
	paths := []string{"server.properties", serverConfigPath}
	if flags.ConfigFile != "" {
		paths = []string{flags.ConfigFile}
	}
	v, err := newViper(paths)
	if err != nil {
		return nil, err
	}
	v.SetDefault("port", 8080)
	v.SetDefault("request-timeout", protocol.DefaultRequestTimeout)
	v.SetDefault("max-body-size", protocol.DefaultMaxBodySize)

	cfg := &Server{
		Domain:         v.GetString("domain"),
		SecretKeys:     splitKeys(v.GetString("secret-keys")),
		Port:           v.GetInt("port"),
		RequestTimeout: v.GetDuration("request-timeout"),
		MaxBodySize:    v.GetInt64("max-body-size"),
		MaxTunnels:     v.GetInt("max-tunnels"),
		MetricsPort:    v.GetInt("metrics-port"),
	}
	if flags.Domain != "" {
		cfg.Domain = flags.Domain
	}
	if len(flags.SecretKeys) > 0 {
		cfg.SecretKeys = flags.SecretKeys
	}
	if flags.Port != 0 {
		cfg.Port = flags.Port
	}
	if flags.MetricsPort != 0 {
		cfg.MetricsPort = flags.MetricsPort
	}

	if cfg.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if len(cfg.SecretKeys) == 0 {
		return nil, fmt.Errorf("secret-keys is required")
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = protocol.DefaultRequestTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = protocol.DefaultMaxBodySize
	}
	return cfg, nil
}

// AllowsKey reports whether a shared secret is in the allow-list. Any listed
// key admits any number of simultaneous tunnels.
func (s *Server) AllowsKey(key string) bool {
	if key == "" {
		return false
	}
	for _, k := range s.SecretKeys {
		if k == key {
			return true
		}
	}
	return false
}

// PublicURL is the advertised URL for a subdomain.
func (s *Server) PublicURL(subdomain string) string {
	return fmt.Sprintf("https://%s.%s", subdomain, s.Domain)
}

func splitKeys(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if k := strings.TrimSpace(part); k != "" {
			out = append(out, k)
		}
	}
	return out
}
