// File: internal/proxy/addr.go
// Author: momentics <momentics@gmail.com>

package proxy

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// resolveTCP4 parses a "host:port" string into the raw sockaddr the
// unix package's Bind/Connect calls need. Only IPv4 is supported,
// matching spec.md's scope.
func resolveTCP4(addr string) (*unix.SockaddrInet4, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("addr: %w", err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return nil, fmt.Errorf("addr: %w", err)
	}

	var ip net.IP
	if host == "" {
		ip = net.IPv4zero
	} else {
		resolved := net.ParseIP(host)
		if resolved == nil {
			ips, err := net.LookupIP(host)
			if err != nil {
				return nil, fmt.Errorf("addr: lookup %s: %w", host, err)
			}
			resolved = pickIPv4(ips)
			if resolved == nil {
				return nil, fmt.Errorf("addr: no IPv4 address for %s", host)
			}
		}
		ip = resolved
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("addr: %s is not an IPv4 address", host)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], v4)
	return sa, nil
}

func pickIPv4(ips []net.IP) net.IP {
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return ip
		}
	}
	return nil
}

func parsePort(s string) (int, error) {
	var port int
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
		port = port*10 + int(c-'0')
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %q out of range", s)
	}
	return port, nil
}
