package lim

import (
	"net"
	"net/http"
	"strings"
)

const unknownViewer = "unknown"

// ViewerIdentity returns the caller's network origin: the first entry of
// X-Forwarded-For, then X-Real-IP, then the peer address. The result is
// spoofable and only good for abuse control.
func ViewerIdentity(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := stripPort(r.RemoteAddr); ip != "" {
		return ip
	}
	return unknownViewer
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
