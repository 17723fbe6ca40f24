package proxy

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hotspotd/hotspotd/internal/dialer"
	"github.com/hotspotd/hotspotd/internal/resolver"
	"github.com/hotspotd/hotspotd/internal/stats"
)

// Server is one worker's SOCKS5 accept loop. It owns exactly one stats
// counter set and one resolver for its lifetime; connection handlers run on
// their own goroutines so a slow relay never stalls the accept loop.
type Server struct {
	ctx context.Context
	cfg Config

	dialer   dialer.Dialer
	resolver *resolver.Resolver
	counters *stats.Counters

	handlers sync.WaitGroup

	// relayCtx outlives ctx during a drain; forceClose cancels it when the
	// grace period expires, tearing down in-flight relays.
	relayCtx   context.Context
	forceClose context.CancelFunc
}

func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = 10 * time.Second
	}

	s := &Server{
		ctx: ctx,
		cfg: cfg,
		dialer: dialer.NewDirectDialer(dialer.Config{
			DialTimeout: cfg.DialTimeout,
			KeepAlive:   cfg.KeepAlive,
			LocalIP:     cfg.OutboundIP,
		}),
		resolver: resolver.New(cfg.DNS),
		counters: &stats.Counters{},
	}
	s.relayCtx, s.forceClose = context.WithCancel(context.Background())
	return s
}

// Counters exposes this worker's statistics for the reporter.
func (s *Server) Counters() *stats.Counters { return s.counters }

// Serve accepts connections on ln until the listener closes. It returns nil
// when the close was part of a shutdown (server context canceled) and the
// listener error otherwise, so the worker process can exit with a status
// the supervisor distinguishes from a crash.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConn(c)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	s.counters.ConnectionStarted()
	defer s.counters.ConnectionEnded()
	defer conn.Close()

	err := s.serveSOCKS(s.relayCtx, conn)
	if err == nil {
		return
	}

	// A peer that hangs up mid-handshake is not an error worth counting;
	// everything else is.
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return
	}

	s.counters.ConnectionFailed()
	if s.cfg.Verbose {
		log.Printf("socks5 %s: %v", conn.RemoteAddr(), err)
	}
}

// DrainAndWait blocks until all in-flight handlers finish or grace elapses.
// At expiry the remaining relays are force-closed and waited for. It reports
// whether the drain completed within the grace period.
func (s *Server) DrainAndWait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	if grace <= 0 {
		grace = 30 * time.Second
	}

	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.C:
		s.forceClose()
		<-done
		return false
	}
}
