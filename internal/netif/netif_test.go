package netif

import (
	"errors"
	"testing"
)

func TestScan(t *testing.T) {
	ifc, err := Scan()
	if errors.Is(err, ErrNoInterface) {
		t.Skip("no candidate interface on this host")
	}
	if err != nil {
		t.Fatal(err)
	}

	if ifc.Name == "" {
		t.Error("interface has no name")
	}
	if !ifc.IP.IsValid() || !ifc.IP.Is4() {
		t.Errorf("interface IP %v is not a valid IPv4 address", ifc.IP)
	}
	if ifc.IP.IsLoopback() {
		t.Errorf("interface IP %v is a loopback address", ifc.IP)
	}
}

func TestIsWirelessPrefixes(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]bool{
		"wlan0":  true,
		"wlp3s0": true,
		"en0":    true,
	} {
		if got := hasPrefix(name, wirelessPrefixes); got != want {
			t.Errorf("hasPrefix(%q, wireless) = %v, want %v", name, got, want)
		}
	}

	for _, name := range []string{"docker0", "veth12ab", "lo"} {
		if !hasPrefix(name, skipPrefixes) {
			t.Errorf("hasPrefix(%q, skip) = false, want true", name)
		}
	}
}
