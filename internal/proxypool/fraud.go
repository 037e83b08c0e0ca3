package proxypool

import (
	"net"
	"strings"
)

var datacenterHints = []string{
	"cloud", "hosting", "data", "server", "colo", "digitalocean",
	"aws", "amazon", "google", "azure", "hetzner", "ovh",
}

// EstimateFraudScore is a naive 0..100 risk heuristic for an exit IP.
// Datacenter-looking ISPs score high, residential ones low.
func EstimateFraudScore(ip, isp string) float64 {
	if ip == "" {
		return 80
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 90
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast() {
		return 95
	}
	lower := strings.ToLower(isp)
	for _, h := range datacenterHints {
		if strings.Contains(lower, h) {
			return 70
		}
	}
	return 20
}
