// Package utils holds small helpers shared by the server and its tools.
package utils

import (
	"fmt"
	"net"
	"net/netip"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// AddrIP extracts the IP of a connection address. IPv4-mapped IPv6
// addresses are unmapped.
func AddrIP(addr net.Addr) (netip.Addr, error) {
	if addr == nil {
		return netip.Addr{}, fmt.Errorf("address is nil")
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		if ip, ok := netip.AddrFromSlice(a.IP); ok {
			return ip.Unmap(), nil
		}
	case *net.UDPAddr:
		if ip, ok := netip.AddrFromSlice(a.IP); ok {
			return ip.Unmap(), nil
		}
	case *net.IPAddr:
		if ip, ok := netip.AddrFromSlice(a.IP); ok {
			return ip.Unmap(), nil
		}
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("unable to extract IP from address: %v", addr)
	}
	return ip.Unmap(), nil
}

// ContainsNonASCII reports whether s has a byte above 127.
func ContainsNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// NewID returns a new ULID string: sortable by creation time and unique
// across sessions and messages.
func NewID() string {
	return ulid.Make().String()
}
