// Package util provides small shared helpers: log-level switching driven by
// configuration and local-IP discovery for the startup banner.
package util

import (
	"net"
	"strings"

	"github.com/router-for-me/LMArenaBridge/internal/config"
	log "github.com/sirupsen/logrus"
)

// SetLogLevel updates the global logrus level from the config debug flag.
func SetLogLevel(cfg *config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// LocalIP returns the best private IPv4 address for reaching this host on the
// LAN. A manually configured IP wins; otherwise interface addresses are
// scanned for private ranges, preferring 192.168.0.0/16. Falls back to
// 127.0.0.1 when nothing usable is found.
func LocalIP(cfg *config.Config) string {
	if cfg != nil && cfg.ManualIP != "" {
		return cfg.ManualIP
	}

	candidates := localIPv4s()
	for _, ip := range candidates {
		if strings.HasPrefix(ip, "192.168.") {
			return ip
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return "127.0.0.1"
}

// AllLocalIPs returns every non-loopback private IPv4 address on the host.
func AllLocalIPs() []string {
	return localIPv4s()
}

func localIPv4s() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Warnf("failed to enumerate interface addresses: %v", err)
		return ips
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		// 198.18.0.0/15 is the benchmarking range used by some VPN clients;
		// it is never the LAN address the banner should print.
		if ip4[0] == 198 && (ip4[1] == 18 || ip4[1] == 19) {
			continue
		}
		if ip4.IsPrivate() {
			ips = append(ips, ip4.String())
		}
	}
	return ips
}
