package utils

import (
	"fmt"
	"net"
	"strings"
)

// IsIPLiteral reports whether s parses as an IPv4 or IPv6 address.
func IsIPLiteral(s string) bool {
	return net.ParseIP(s) != nil
}

// ParseSubnet parses either CIDR notation ("10.0.0.0/24") or the FortiGate
// "IP MASK" form ("10.0.0.0 255.255.255.0"). A bare IP becomes a host
// network (/32 or /128).
func ParseSubnet(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty subnet")
	}

	if fields := strings.Fields(s); len(fields) == 2 {
		ip := net.ParseIP(fields[0])
		maskIP := net.ParseIP(fields[1])
		if ip == nil || maskIP == nil {
			return nil, fmt.Errorf("invalid ip/mask pair %q", s)
		}
		mask := net.IPMask(maskIP.To4())
		if mask == nil {
			mask = net.IPMask(maskIP.To16())
		}
		ones, bits := mask.Size()
		if ones == 0 && bits == 0 {
			return nil, fmt.Errorf("non-contiguous mask in %q", s)
		}
		return &net.IPNet{IP: ip.Mask(mask), Mask: mask}, nil
	}

	if strings.Contains(s, "/") {
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		return ipnet, nil
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("invalid address %q", s)
	}
	mask := net.CIDRMask(32, 32)
	if ip.To4() == nil {
		mask = net.CIDRMask(128, 128)
	}
	return &net.IPNet{IP: ip, Mask: mask}, nil
}

// HostPrefix reports whether the network covers exactly one address.
func HostPrefix(n *net.IPNet) bool {
	ones, bits := n.Mask.Size()
	return ones == bits
}
