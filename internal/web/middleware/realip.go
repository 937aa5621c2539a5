package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedRealIP rewrites RemoteAddr from X-Real-IP or the first
// X-Forwarded-For hop, but only for connections from a trusted proxy.
// Entries may be CIDRs or bare addresses.
func TrustedRealIP(trusted []string) func(http.Handler) http.Handler {
	var prefixes []netip.Prefix
	for _, s := range trusted {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(s); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		slog.Warn("realip: skipping invalid trusted proxy", "value", s)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(prefixes) > 0 && trustedAddr(r.RemoteAddr, prefixes) {
				if ip, ok := forwardedIP(r.Header); ok {
					r.RemoteAddr = ip
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedIP(h http.Header) (string, bool) {
	candidate := strings.TrimSpace(h.Get("X-Real-IP"))
	if candidate == "" {
		first, _, _ := strings.Cut(h.Get("X-Forwarded-For"), ",")
		candidate = strings.TrimSpace(first)
	}
	if a, err := netip.ParseAddr(candidate); err == nil {
		return a.String(), true
	}
	return "", false
}

func trustedAddr(remote string, prefixes []netip.Prefix) bool {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
