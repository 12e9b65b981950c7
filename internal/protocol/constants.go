package protocol

import "time"

const (
	SubdomainLength      = 12
	SubdomainAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
	SubdomainMaxAttempts = 5

	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxBodySize    = 10 * 1024 * 1024

	BackoffBaseMs     = 1_000
	BackoffMultiplier = 2
	BackoffMaxMs      = 60_000
	BackoffJitterMin  = 0.1
	BackoffJitterMax  = 0.2

	TunnelPath   = "/ws"
	PublicWSPath = "/pub"

	SecretQueryParam    = "secret"
	SecretHeader        = "X-Secret-Key"
	SubdomainQueryParam = "subdomain"
	SubdomainHeader     = "X-Subdomain"

	// SubdomainOverrideHeader carries the target subdomain for tooling that
	// cannot control the Host header. On the public WebSocket path it is read
	// as a query parameter instead.
	SubdomainOverrideHeader = "X-Relay-Subdomain"
)
