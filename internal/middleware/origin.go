package middleware

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/conneroisu/previewd/internal/config"
)

// OriginPolicy allows the server's own origins plus the configured ones.
type OriginPolicy struct {
	hosts map[string]bool
}

// NewOriginPolicy builds the allowlist for a server config. Loopback names
// for the listening port are always allowed.
func NewOriginPolicy(cfg config.ServerConfig) *OriginPolicy {
	p := &OriginPolicy{hosts: make(map[string]bool)}

	port := strconv.Itoa(cfg.Port)
	for _, host := range []string{"localhost", "127.0.0.1", "[::1]", cfg.Host} {
		if host == "" || host == "0.0.0.0" {
			continue
		}
		p.hosts[net.JoinHostPort(strings.Trim(host, "[]"), port)] = true
	}

	for _, origin := range cfg.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			continue
		}
		p.hosts[u.Host] = true
	}
	return p
}

// IsAllowedOrigin reports whether origin may talk to the server. Only http
// and https origins are considered.
func (p *OriginPolicy) IsAllowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return p.hosts[u.Host]
}
