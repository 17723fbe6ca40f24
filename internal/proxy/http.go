package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/hotspotd/hotspotd/internal/dialer"
	"github.com/hotspotd/hotspotd/internal/stats"
)

// HTTPProxyServer serves the optional HTTP forward proxy mode on the second
// shared listener. CONNECT requests are tunneled through the same
// outbound-pinned dialer and counting relay as SOCKS5 connections;
// non-CONNECT requests are proxied via httputil.ReverseProxy.
type HTTPProxyServer struct {
	ctx      context.Context
	dialer   dialer.Dialer
	counters *stats.Counters
	srv      *http.Server
	rp       *httputil.ReverseProxy
}

func NewHTTPProxyServer(ctx context.Context, cfg Config, counters *stats.Counters) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}

	d := dialer.NewDirectDialer(dialer.Config{
		DialTimeout: cfg.DialTimeout,
		KeepAlive:   cfg.KeepAlive,
		LocalIP:     cfg.OutboundIP,
	})

	h := &HTTPProxyServer{ctx: ctx, dialer: d, counters: counters, rp: newReverseProxy(cfg, d)}
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
	}
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server.
func (s *HTTPProxyServer) Close() error {
	return s.srv.Close()
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r)
		return
	}
	s.rp.ServeHTTP(w, r)
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.counters.ConnectionStarted()
	defer s.counters.ConnectionEnded()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		s.counters.ConnectionFailed()
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		s.counters.ConnectionFailed()
		return
	}
	_ = brw.Flush()

	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	serverConn, err := s.dialer.DialContext(s.ctx, "tcp", target)
	if err != nil {
		_, _ = writeHijackedError(brw, err, http.StatusBadGateway)
		_ = brw.Flush()
		_ = clientConn.Close()
		s.counters.ConnectionFailed()
		return
	}

	_, _ = brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	_ = brw.Flush()

	_ = Relay(s.ctx, clientConn, serverConn, s.counters)
}

// writeHijackedError simulates http.Error() on a hijacked connection.
func writeHijackedError(brw *bufio.ReadWriter, err error, code int) (int, error) {
	return fmt.Fprintf(brw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), err.Error())
}

func newReverseProxy(cfg Config, d dialer.Dialer) *httputil.ReverseProxy {
	director := func(r *http.Request) {
		// Forward-proxy handling: ensure URL is absolute and points at the
		// origin server.
		if r.URL == nil {
			return
		}

		if r.URL.Scheme == "" {
			r.URL.Scheme = "http"
		}
		if r.URL.Host == "" {
			r.URL.Host = r.Host
		}
		r.Host = r.URL.Host

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil
	}

	errHandler := func(w http.ResponseWriter, _ *http.Request, err error) {
		http.Error(w, err.Error(), http.StatusBadGateway)
	}

	idleTimeout := cfg.HTTPIdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 4 * time.Minute
	}

	transport := &http.Transport{
		DialContext:         d.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     idleTimeout,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	return &httputil.ReverseProxy{
		Director:      director,
		Transport:     transport,
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  errHandler,
		BufferPool:    NewBufferPool(32768),
	}
}
