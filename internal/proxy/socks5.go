package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"syscall"
	"time"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrProtocol reports a malformed or unsupported SOCKS5 exchange.
var ErrProtocol = errors.New("socks5 protocol error")

// serveSOCKS runs the SOCKS5 state machine over one accepted client
// connection: greeting, no-auth method selection, CONNECT request, resolve,
// upstream dial, reply, relay. Every exit path leaves both sockets closed;
// the caller owns the stats bookkeeping around it.
func (s *Server) serveSOCKS(ctx context.Context, conn net.Conn) error {
	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	br := bufio.NewReader(conn)

	// Greeting: VER NMETHODS METHOD...
	ver, err := br.ReadByte()
	if err != nil {
		return err
	}
	if ver != txsocks5.Ver {
		// Close without replying; anything we wrote would not be SOCKS5
		// to the peer either.
		return fmt.Errorf("%w: version %#02x", ErrProtocol, ver)
	}

	nMethods, err := br.ReadByte()
	if err != nil {
		return err
	}
	methods := make([]byte, int(nMethods))
	if _, err := io.ReadFull(br, methods); err != nil {
		return err
	}

	if !slices.Contains(methods, txsocks5.MethodNone) {
		_, _ = txsocks5.NewNegotiationReply(txsocks5.MethodUnsupportAll).WriteTo(conn)
		return fmt.Errorf("%w: no acceptable auth method in %v", ErrProtocol, methods)
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return err
	}

	// Request: VER CMD RSV ATYP DST.ADDR DST.PORT
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return err
	}
	if hdr[0] != txsocks5.Ver {
		return fmt.Errorf("%w: request version %#02x", ErrProtocol, hdr[0])
	}
	// hdr[2] is RSV. Deliberately not validated; some clients send junk
	// there and rejecting them buys nothing.
	cmd, atyp := hdr[1], hdr[3]

	if cmd != txsocks5.CmdConnect {
		writeReply(conn, txsocks5.RepCommandNotSupported)
		return fmt.Errorf("%w: command %#02x not supported", ErrProtocol, cmd)
	}

	host, err := readSocksAddr(br, atyp)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			writeReply(conn, txsocks5.RepAddressNotSupported)
		}
		return err
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(br, portBytes); err != nil {
		return err
	}
	dstPort := binary.BigEndian.Uint16(portBytes)

	addr, err := s.resolver.Resolve(ctx, host)
	if err != nil {
		writeReply(conn, txsocks5.RepHostUnreachable)
		return err
	}

	dst := net.JoinHostPort(addr.String(), strconv.Itoa(int(dstPort)))
	up, err := s.dialer.DialContext(ctx, "tcp", dst)
	if err != nil {
		writeReply(conn, replyForDialError(err))
		return err
	}
	defer up.Close()

	if err := writeSuccessReply(conn, up.LocalAddr()); err != nil {
		return err
	}

	// Negotiation is done; the relay is bounded by the peers closing, not
	// by a deadline.
	_ = conn.SetDeadline(time.Time{})

	// Client bytes pipelined behind the request are sitting in the read
	// buffer; the relay reads the raw conn, so push them upstream first.
	if n := br.Buffered(); n > 0 {
		pending, _ := br.Peek(n)
		if _, err := up.Write(pending); err != nil {
			return err
		}
		s.counters.AddBytesSent(int64(n))
	}

	return Relay(ctx, conn, up, s.counters)
}

// readSocksAddr reads the DST.ADDR field for the given address type and
// returns it as an IP string or a domain name.
func readSocksAddr(r *bufio.Reader, atyp byte) (string, error) {
	switch atyp {
	case txsocks5.ATYPIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	case txsocks5.ATYPDomain:
		n, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		b := make([]byte, int(n))
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return string(b), nil
	case txsocks5.ATYPIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
		return net.IP(b).String(), nil
	default:
		return "", fmt.Errorf("%w: address type %#02x", ErrProtocol, atyp)
	}
}

// writeReply sends a non-success reply with a zeroed bind address. Write
// failures are ignored; the connection is closing either way.
func writeReply(conn net.Conn, rep byte) {
	_, _ = txsocks5.NewReply(rep, txsocks5.ATYPIPv4, net.IPv4zero.To4(), []byte{0, 0}).WriteTo(conn)
}

// writeSuccessReply sends a success reply carrying the local address the
// upstream connection was bound to.
func writeSuccessReply(conn net.Conn, localAddr net.Addr) error {
	a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
	if err != nil {
		return fmt.Errorf("parse local address %q: %w", localAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// replyForDialError maps an upstream dial failure to the closest SOCKS5
// reply code.
func replyForDialError(err error) byte {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return txsocks5.RepConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return txsocks5.RepNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return txsocks5.RepHostUnreachable
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return txsocks5.RepHostUnreachable
	}

	return txsocks5.RepServerFailure
}
