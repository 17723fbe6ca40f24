package dialer

import (
	"net"
	"net/netip"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// LocalIP, when valid, pins outbound connections to this local address
	// so traffic egresses through the interface that owns it.
	LocalIP netip.Addr
}
