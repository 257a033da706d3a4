package render

import (
	"net"
	"regexp"
	"strings"
)

var (
	ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`)
	// candidates only; net.ParseIP decides
	ipv6Pattern = regexp.MustCompile(`\[?[0-9A-Fa-f]{0,4}(?::[0-9A-Fa-f]{0,4}){2,7}\]?(?::\d{1,5})?`)
)

// SanitizeIPs replaces IPv4 and IPv6 addresses in text with "IP"
func SanitizeIPs(text string) string {
	text = ipv4Pattern.ReplaceAllStringFunc(text, func(m string) string {
		host := m
		if i := strings.IndexByte(m, ':'); i >= 0 {
			host = m[:i]
		}
		if net.ParseIP(host) == nil {
			return m
		}
		return "IP"
	})

	return ipv6Pattern.ReplaceAllStringFunc(text, func(m string) string {
		host := m
		if strings.HasPrefix(host, "[") {
			end := strings.IndexByte(host, ']')
			if end < 0 {
				return m
			}
			host = host[1:end]
		}
		if net.ParseIP(host) == nil {
			return m
		}
		return "IP"
	})
}
