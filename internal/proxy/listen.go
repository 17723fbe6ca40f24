package proxy

import (
	"context"
	"fmt"
	"net"
	"os"
)

// ListenTCP listens on the given network/address with address reuse enabled
// and returns a net.Listener that applies keepAliveConfig to accepted TCP
// connections. The supervisor creates the shared listener exactly once with
// this; workers only ever inherit it.
func ListenTCP(network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}

	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// ExportFile returns an *os.File duplicating ln's descriptor, suitable for
// handing to a worker process via exec.Cmd.ExtraFiles. The listener itself
// stays open in the calling process.
func ExportFile(ln net.Listener) (*os.File, error) {
	if kl, ok := ln.(*KeepAliveListener); ok {
		ln = kl.Listener
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("listener %T does not expose a file descriptor", ln)
	}
	f, err := tl.File()
	if err != nil {
		return nil, fmt.Errorf("export listener: %w", err)
	}
	return f, nil
}

// InheritListener rebuilds a listener from a descriptor inherited at spawn
// time and wraps it with keepAliveConfig.
func InheritListener(fd uintptr, name string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	f := os.NewFile(fd, name)
	if f == nil {
		return nil, fmt.Errorf("inherit %s: descriptor %d not open", name, fd)
	}
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("inherit %s: %w", name, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	tc, ok := conn.(*net.TCPConn)
	if ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}
