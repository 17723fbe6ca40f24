package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hotspotd/hotspotd/internal/stats"
)

// Relay copies bytes bidirectionally between client and upstream until both
// directions reach EOF or either side errors, then closes both connections.
// Each direction runs independently so a stalled direction never blocks the
// other. Bytes moving client-to-upstream are counted as sent, bytes moving
// upstream-to-client as received.
func Relay(ctx context.Context, client, upstream net.Conn, counters *stats.Counters) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	// Cancellation (drain grace expiry) force-closes both sides to unblock
	// the copies.
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	g := new(errgroup.Group)

	g.Go(func() error {
		return relayDirection(upstream, client, counters.AddBytesSent, closeBoth)
	})
	g.Go(func() error {
		return relayDirection(client, upstream, counters.AddBytesReceived, closeBoth)
	})

	return g.Wait()
}

// relayDirection copies src to dst until EOF or error. On clean EOF it
// propagates a write-side shutdown to dst so the peer sees the half-close;
// on error it tears the whole relay down.
func relayDirection(dst, src net.Conn, count func(int64), closeBoth func()) error {
	_, err := io.Copy(&countingWriter{w: dst, count: count}, src)
	if err != nil {
		closeBoth()
		return err
	}

	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	} else {
		closeBoth()
	}
	return nil
}

type countingWriter struct {
	w     io.Writer
	count func(int64)
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.count(int64(n))
	}
	return n, err
}
