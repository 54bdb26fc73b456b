// Package osnet talks to the kernel: link state, addresses and the default
// route. Every mutating call is idempotent; repeating a call with the same
// arguments changes nothing and returns nil.
package osnet

import (
	"net"
	"net/netip"
)

type LinkStatus struct {
	Exists    bool
	Up        bool
	Carrier   bool
	Wireless  bool
	Addresses []netip.Prefix
}

func (s LinkStatus) HasAddress() bool {
	return len(s.Addresses) > 0
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := 32
	if p.Addr().Is6() {
		bits = 128
	}
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), bits),
	}
}

func ipNetToPrefix(n *net.IPNet) (netip.Prefix, bool) {
	if n == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr.Unmap(), ones), true
}
