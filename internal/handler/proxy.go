package handler

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// trustedProxies lists the peers whose forwarding headers are believed.
// Everyone else is identified by the TCP peer address.
type trustedProxies []*net.IPNet

func parseTrustedProxies(entries []string) (trustedProxies, error) {
	var out trustedProxies
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", e, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (t trustedProxies) trusts(addr string) bool {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	for _, n := range t {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func peerHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// realIP rewrites RemoteAddr from X-Forwarded-For or X-Real-IP, but only for
// requests arriving from a trusted proxy. X-Forwarded-For is walked from the
// right and the first hop that is not itself a trusted proxy wins.
func (t trustedProxies) realIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if t.trusts(peerHost(r)) {
			if ip := t.forwardedClient(r); ip != "" {
				r.RemoteAddr = ip
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (t trustedProxies) forwardedClient(r *http.Request) string {
	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				return ""
			}
			if !t.trusts(hop) {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
		return ip
	}
	return ""
}

// overTLS reports whether the client connection was encrypted. X-Forwarded-Proto
// counts only when a trusted proxy set it.
func (t trustedProxies) overTLS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return t.trusts(peerHost(r)) && r.Header.Get("X-Forwarded-Proto") == "https"
}
