package proxy

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/txthinking/socks5"

	"github.com/hotspotd/hotspotd/internal/resolver"
	"github.com/hotspotd/hotspotd/internal/stats"
	"github.com/hotspotd/hotspotd/internal/testutil"
)

func startServer(t *testing.T, cfg Config) (*Server, net.Listener) {
	t.Helper()

	ln, err := ListenTCP("tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewServer(context.Background(), cfg)
	go func() { _ = srv.Serve(ln) }()

	return srv, ln
}

func waitForStats(t *testing.T, srv *Server, want func(stats.Snapshot) bool) stats.Snapshot {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	var snap stats.Snapshot
	for time.Now().Before(deadline) {
		snap = srv.Counters().Snapshot()
		if want(snap) {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stats never reached expected state, last %+v", snap)
	return snap
}

func TestSOCKS5ConnectDirect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	srv, ln := startServer(t, Config{DialTimeout: 2 * time.Second})

	client, err := socks5.NewClient(ln.Addr().String(), "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	msg := []byte("hello")
	testutil.AssertEcho(t, c, c, msg)
	c.Close()

	snap := waitForStats(t, srv, func(s stats.Snapshot) bool {
		return s.TotalConnections == 1 && s.ActiveConnections == 0
	})
	if snap.BytesSent != int64(len(msg)) || snap.BytesReceived != int64(len(msg)) {
		t.Fatalf("expected %d bytes each way, got sent=%d received=%d", len(msg), snap.BytesSent, snap.BytesReceived)
	}
	if snap.Errors != 0 {
		t.Fatalf("expected no errors, got %d", snap.Errors)
	}
}

// greet performs the no-auth negotiation byte-for-byte.
func greet(t *testing.T, c net.Conn) {
	t.Helper()

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatalf("expected method selection 05 00, got %x", reply)
	}
}

// connectIPv4 sends a CONNECT request for an IPv4 host:port and returns the
// reply code.
func connectIPv4(t *testing.T, c net.Conn, addr string) byte {
	t.Helper()

	return request(t, c, 0x01, addr)
}

func request(t *testing.T, c net.Conn, cmd byte, addr string) byte {
	t.Helper()

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	req := []byte{0x05, cmd, 0x00, 0x01}
	req = append(req, tcpAddr.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(tcpAddr.Port))
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	return readReply(t, c)
}

func readReply(t *testing.T, c net.Conn) byte {
	t.Helper()

	hdr := make([]byte, 4)
	if _, err := io.ReadFull(c, hdr); err != nil {
		t.Fatal(err)
	}
	if hdr[0] != 0x05 {
		t.Fatalf("expected reply version 05, got %#02x", hdr[0])
	}

	var addrLen int
	switch hdr[3] {
	case 0x01:
		addrLen = 4
	case 0x04:
		addrLen = 16
	default:
		t.Fatalf("unexpected reply address type %#02x", hdr[3])
	}
	rest := make([]byte, addrLen+2)
	if _, err := io.ReadFull(c, rest); err != nil {
		t.Fatal(err)
	}

	return hdr[1]
}

func TestSOCKS5RawExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	_, ln := startServer(t, Config{DialTimeout: 2 * time.Second})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	greet(t, c)
	if rep := connectIPv4(t, c, echoLn.Addr().String()); rep != 0x00 {
		t.Fatalf("expected success reply, got %#02x", rep)
	}

	testutil.AssertEcho(t, c, c, []byte("ping"))
}

func TestSOCKS5ConnectIPv6Literal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lc := net.ListenConfig{}
	probe, err := lc.Listen(ctx, "tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	probe.Close()

	echoLn := testutil.StartEchoTCPServerAddr(t, ctx, "[::1]:0")

	_, ln := startServer(t, Config{DialTimeout: 2 * time.Second})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	greet(t, c)

	tcpAddr := echoLn.Addr().(*net.TCPAddr)
	req := []byte{0x05, 0x01, 0x00, 0x04}
	req = append(req, tcpAddr.IP.To16()...)
	req = binary.BigEndian.AppendUint16(req, uint16(tcpAddr.Port))
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	if rep := readReply(t, c); rep != 0x00 {
		t.Fatalf("expected success reply, got %#02x", rep)
	}

	testutil.AssertEcho(t, c, c, []byte("ping6"))
}

// startAnsweringDNS serves a single fixed A record on a loopback UDP port
// and returns the server address.
func startAnsweringDNS(t *testing.T, name, ip string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		if q.Qtype == dns.TypeA && q.Name == name {
			rr, err := dns.NewRR(q.Name + " 60 IN A " + ip)
			if err == nil {
				m.Answer = append(m.Answer, rr)
			}
		}
		_ = w.WriteMsg(m)
	})}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestSOCKS5ConnectDomain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	dnsAddr := startAnsweringDNS(t, "echo.internal.", "127.0.0.1")

	srv, ln := startServer(t, Config{
		DialTimeout: 2 * time.Second,
		DNS: resolver.Config{
			Nameservers: []string{dnsAddr},
			Timeout:     2 * time.Second,
		},
	})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	greet(t, c)

	host := []byte("echo.internal")
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, host...)
	req = binary.BigEndian.AppendUint16(req, uint16(echoLn.Addr().(*net.TCPAddr).Port))
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	if rep := readReply(t, c); rep != 0x00 {
		t.Fatalf("expected success reply, got %#02x", rep)
	}

	testutil.AssertEcho(t, c, c, []byte("named"))
	c.Close()

	snap := waitForStats(t, srv, func(s stats.Snapshot) bool {
		return s.TotalConnections == 1 && s.ActiveConnections == 0
	})
	if snap.Errors != 0 {
		t.Fatalf("expected no errors, got %d", snap.Errors)
	}
}

func TestSOCKS5PipelinedClientBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	srv, ln := startServer(t, Config{DialTimeout: 2 * time.Second})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetDeadline(time.Now().Add(2 * time.Second))

	greet(t, c)

	// Send the CONNECT request and the first payload bytes in one write;
	// they must reach the upstream even though the server buffered reads
	// during negotiation.
	tcpAddr := echoLn.Addr().(*net.TCPAddr)
	payload := []byte("early bytes")
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, tcpAddr.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(tcpAddr.Port))
	req = append(req, payload...)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	if rep := readReply(t, c); rep != 0x00 {
		t.Fatalf("expected success reply, got %#02x", rep)
	}

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("echoed %q, want %q", got, payload)
	}
	c.Close()

	snap := waitForStats(t, srv, func(s stats.Snapshot) bool { return s.ActiveConnections == 0 })
	if snap.BytesSent != int64(len(payload)) {
		t.Fatalf("bytesSent=%d, want %d", snap.BytesSent, len(payload))
	}
}

func TestSOCKS5CommandNotSupported(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dialed := make(chan struct{}, 1)
	upstreamLn, wait := testutil.StartSingleAcceptServer(t, ctx, func(net.Conn) {
		dialed <- struct{}{}
	})
	defer wait()

	_, ln := startServer(t, Config{DialTimeout: 2 * time.Second})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	greet(t, c)
	// 0x02 is BIND, which we never dial for.
	if rep := request(t, c, 0x02, upstreamLn.Addr().String()); rep != 0x07 {
		t.Fatalf("expected command not supported, got %#02x", rep)
	}

	select {
	case <-dialed:
		t.Fatal("upstream was dialed for a rejected command")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSOCKS5NoAcceptableMethod(t *testing.T) {
	_, ln := startServer(t, Config{})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Offer only username/password auth.
	if _, err := c.Write([]byte{0x05, 0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 0x05 || reply[1] != 0xFF {
		t.Fatalf("expected 05 FF, got %x", reply)
	}
}

func TestSOCKS5BadVersionClosesSilently(t *testing.T) {
	_, ln := startServer(t, Config{})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Write([]byte{0x04, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c.Read(buf); err != io.EOF {
		t.Fatalf("expected connection closed without a reply, got %v", err)
	}
}

func TestSOCKS5ResolveFailure(t *testing.T) {
	srv, ln := startServer(t, Config{
		DNS: resolver.Config{
			// Nothing listens here, so every lookup fails fast.
			Nameservers: []string{"127.0.0.1:1"},
			Timeout:     200 * time.Millisecond,
		},
	})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	greet(t, c)

	host := []byte("unresolvable.example")
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, host...)
	req = binary.BigEndian.AppendUint16(req, 80)
	if _, err := c.Write(req); err != nil {
		t.Fatal(err)
	}

	if rep := readReply(t, c); rep != 0x04 {
		t.Fatalf("expected host unreachable, got %#02x", rep)
	}

	waitForStats(t, srv, func(s stats.Snapshot) bool { return s.Errors == 1 })
}

func TestSOCKS5ConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := probe.Addr().String()
	probe.Close()

	srv, ln := startServer(t, Config{DialTimeout: 2 * time.Second})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	greet(t, c)
	if rep := connectIPv4(t, c, deadAddr); rep != 0x05 {
		t.Fatalf("expected connection refused, got %#02x", rep)
	}

	waitForStats(t, srv, func(s stats.Snapshot) bool { return s.Errors == 1 })
}
