package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key)=([^\s&]+)`)

// RedactID keeps enough of a record id to correlate log lines without
// letting the log act as a link directory.
func RedactID(id string) string {
	if len(id) <= 8 {
		return "[ID-REDACTED]"
	}
	return id[:4] + "..." + id[len(id)-2:]
}

func RedactSecret(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	ipv6 := parsed.To16()
	for i := 4; i < 16; i++ {
		ipv6[i] = 0
	}
	return ipv6.String()
}

// RedactIdentity shortens a hashed viewer identity for logs.
func RedactIdentity(identity string) string {
	if len(identity) <= 12 {
		return identity
	}
	return identity[len(identity)-12:]
}
