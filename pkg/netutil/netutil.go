// Package netutil provides helpers for identifying the remote client of an
// HTTP request.
//
// It includes functions to:
//   - Extract the immediate peer address of a request (ClientIP).
//   - Parse trusted-proxy specifications, either CIDR blocks or bare
//     addresses, into networks (ParseTrustedProxies).
//   - Recover the original client address behind known reverse proxies by
//     walking X-Forwarded-For from the right (ForwardedClientIP).
//
// The admission layer buckets requests by client address, so these helpers
// are deliberately conservative: forwarding headers are only believed when
// the immediate peer is a configured proxy, and anything unparseable falls
// back to the peer address rather than a caller-controlled string.
package netutil

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the immediate peer address of the request without the
// port. RemoteAddr values without a port are returned verbatim.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ParseTrustedProxies parses proxy specs into networks. Each spec is either
// CIDR notation ("10.0.0.0/8") or a bare address ("10.0.0.5"), which is
// treated as a single-host network. Empty entries are skipped.
func ParseTrustedProxies(specs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}

		if strings.Contains(spec, "/") {
			_, ipNet, err := net.ParseCIDR(spec)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", spec, err)
			}
			nets = append(nets, ipNet)
			continue
		}

		ip := net.ParseIP(spec)
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", spec)
		}
		bits := 8 * net.IPv6len
		if v4 := ip.To4(); v4 != nil {
			ip = v4
			bits = 8 * net.IPv4len
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// ForwardedClientIP returns the original client address for a request that
// may have passed through known proxies.
//
// X-Forwarded-For is only consulted when the immediate peer is one of the
// trusted networks; the rightmost entry that is not a trusted hop is the
// client. When every entry is a trusted hop the leftmost entry wins. An
// untrusted peer, a missing header or an unparseable entry all fall back
// to the peer address.
func ForwardedClientIP(r *http.Request, trusted []*net.IPNet) string {
	peer := ClientIP(r)
	if len(trusted) == 0 {
		return peer
	}
	peerIP := net.ParseIP(peer)
	if peerIP == nil || !trustedIP(peerIP, trusted) {
		return peer
	}

	var chain []string
	for _, header := range r.Header.Values("X-Forwarded-For") {
		for entry := range strings.SplitSeq(header, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				chain = append(chain, entry)
			}
		}
	}
	if len(chain) == 0 {
		return peer
	}

	for i := len(chain) - 1; i >= 0; i-- {
		ip := parseForwardedEntry(chain[i])
		if ip == nil {
			return peer
		}
		if !trustedIP(ip, trusted) {
			return ip.String()
		}
	}

	// The whole chain is our own infrastructure; the leftmost entry is the
	// client as the first proxy saw it.
	if ip := parseForwardedEntry(chain[0]); ip != nil {
		return ip.String()
	}
	return peer
}

// parseForwardedEntry parses one X-Forwarded-For element, tolerating the
// host:port form some proxies emit.
func parseForwardedEntry(entry string) net.IP {
	if ip := net.ParseIP(entry); ip != nil {
		return ip
	}
	if host, _, err := net.SplitHostPort(entry); err == nil {
		return net.ParseIP(host)
	}
	return nil
}

func trustedIP(ip net.IP, trusted []*net.IPNet) bool {
	for _, n := range trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
