package gate

import (
	"net"
	"strings"
)

// ipAllowed reports whether clientIP passes the allowlist. An empty allowlist
// allows everything. Entries are exact IPs or CIDR blocks; a malformed entry
// never matches. An unparsable client IP is rejected whenever a list is set.
func ipAllowed(clientIP string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(clientIP))
	if ip == nil {
		return false
	}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				continue
			}
			if ipnet.Contains(ip) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(ip) {
			return true
		}
	}
	return false
}
