package middleware

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/core"
)

// TrustedRealIP resolves the client address of each request and stores it
// with core.ContextWithIPAddress. X-Real-IP and the first X-Forwarded-For
// entry are honoured only when the connection comes from one of the trusted
// proxies, given as CIDRs or single addresses. Otherwise RemoteAddr is used.
func TrustedRealIP(trusted []string) func(http.Handler) http.Handler {
	prefixes := parseTrusted(trusted)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, ok := remoteAddr(r.RemoteAddr)
			if ok && containsAddr(prefixes, client) {
				if fwd, ok := forwardedAddr(r.Header); ok {
					client = fwd
					r.RemoteAddr = fwd.String()
				}
			}

			ip := r.RemoteAddr
			if client.IsValid() {
				ip = client.String()
			}
			next.ServeHTTP(w, r.WithContext(core.ContextWithIPAddress(r.Context(), ip)))
		})
	}
}

func parseTrusted(entries []string) []netip.Prefix {
	var prefixes []netip.Prefix
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			slog.Warn("realip: invalid trusted proxy, skipping", "entry", e, "error", err)
			continue
		}
		prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
	}
	return prefixes
}

// forwardedAddr returns the client address a proxy reported.
func forwardedAddr(h http.Header) (netip.Addr, bool) {
	if rip := strings.TrimSpace(h.Get("X-Real-IP")); rip != "" {
		a, err := netip.ParseAddr(rip)
		return a, err == nil
	}
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		a, err := netip.ParseAddr(strings.TrimSpace(first))
		return a, err == nil
	}
	return netip.Addr{}, false
}

// remoteAddr parses a host:port pair or a bare address.
func remoteAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	a, err := netip.ParseAddr(s)
	return a.Unmap(), err == nil
}

func containsAddr(prefixes []netip.Prefix, a netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
