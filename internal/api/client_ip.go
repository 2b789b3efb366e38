package api

import (
	"net"
	"net/http"
	"strings"
)

var defaultTrustedProxyCIDRs = []string{
	"127.0.0.1/32",
	"::1/128",
}

// clientIPResolver honors X-Forwarded-For only when the direct peer is a
// trusted proxy.
type clientIPResolver struct {
	trusted []*net.IPNet
}

func newClientIPResolver(cidrs []string) clientIPResolver {
	if len(cidrs) == 0 {
		cidrs = defaultTrustedProxyCIDRs
	}
	return clientIPResolver{trusted: parseAdminRouteCIDRs(cidrs)}
}

func (c clientIPResolver) clientIPFromRequest(r *http.Request) string {
	peer := remoteHost(r)
	if !c.isTrusted(peer) {
		return peer
	}
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded == "" {
		return peer
	}
	first, _, _ := strings.Cut(forwarded, ",")
	first = strings.TrimSpace(first)
	if net.ParseIP(first) == nil {
		return peer
	}
	return first
}

func (c clientIPResolver) isTrusted(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, block := range c.trusted {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
