package netif

// Package netif picks the local interface address the proxy should bind
// to when none is given, preferring wireless adapters the way the typical
// hotspot setup expects.

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"runtime"
	"strings"
)

// Interface is one usable candidate found by Scan.
type Interface struct {
	Name     string
	IP       netip.Addr
	Wireless bool
}

// ErrNoInterface means no up, non-loopback interface with an IPv4 address
// was found.
var ErrNoInterface = errors.New("no suitable network interface")

var skipPrefixes = []string{"lo", "vmnet", "docker", "veth", "bridge", "utun"}

var wirelessPrefixes = []string{"wlan", "wifi", "wlp", "wl", "en", "ap"}

// Scan enumerates the host's interfaces once and returns the best bind
// candidate: a connected wireless interface if there is one, otherwise any
// interface with a routable IPv4 address.
func Scan() (*Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var candidates []Interface
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if hasPrefix(ifc.Name, skipPrefixes) {
			continue
		}

		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}

		ip, ok := firstIPv4(addrs)
		if !ok {
			continue
		}

		candidates = append(candidates, Interface{
			Name:     ifc.Name,
			IP:       ip,
			Wireless: isWireless(ifc.Name),
		})
	}

	// Wireless and actually connected beats wireless beats anything
	// routable.
	for _, c := range candidates {
		if c.Wireless && routable(c.IP) {
			return &c, nil
		}
	}
	for _, c := range candidates {
		if c.Wireless {
			return &c, nil
		}
	}
	for _, c := range candidates {
		if routable(c.IP) {
			return &c, nil
		}
	}

	return nil, ErrNoInterface
}

func firstIPv4(addrs []net.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip4); ok {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

func routable(ip netip.Addr) bool {
	return !ip.IsLoopback() && !ip.IsLinkLocalUnicast()
}

func isWireless(name string) bool {
	if hasPrefix(name, wirelessPrefixes) {
		return true
	}
	if runtime.GOOS == "linux" {
		if _, err := os.Stat("/sys/class/net/" + name + "/wireless"); err == nil {
			return true
		}
	}
	return false
}

func hasPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
