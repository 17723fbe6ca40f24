package proxy

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hotspotd/hotspotd/internal/stats"
)

// Contract between the supervisor and the worker processes it spawns.
const (
	// ConfigEnv carries the JSON-serialized Config.
	ConfigEnv = "HOTSPOTD_WORKER_CONFIG"
	// SlotEnv carries the worker's slot index, for log correlation.
	SlotEnv = "HOTSPOTD_WORKER_SLOT"

	// Inherited descriptors, in ExtraFiles order.
	ListenerFD     = 3
	StatsFD        = 4
	HTTPListenerFD = 5

	// ExitListenerError is the status a worker exits with when the shared
	// listener fails underneath it. Anything else nonzero is a crash.
	ExitListenerError = 3
)

// RunWorker is the worker-process entry point: it rebuilds the shared
// listener from the inherited descriptor, serves SOCKS5 (and optionally
// HTTP) connections on it, streams stats snapshots back to the supervisor,
// and drains on SIGTERM. The return value is the process exit status.
func RunWorker() int {
	slot := os.Getenv(SlotEnv)
	log.SetPrefix("worker " + slot + ": ")

	cfg, err := ConfigFromEnv()
	if err != nil {
		log.Print(err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := InheritListener(ListenerFD, "socks5-listener", cfg.KeepAlive)
	if err != nil {
		log.Print(err)
		return 1
	}

	statsPipe := os.NewFile(StatsFD, "stats-pipe")
	if statsPipe == nil {
		log.Printf("stats pipe descriptor %d not open", StatsFD)
		return 1
	}
	defer statsPipe.Close()

	srv := NewServer(ctx, cfg)
	reporter := stats.NewReporter(srv.Counters(), statsPipe, cfg.StatsInterval)

	g, gctx := errgroup.WithContext(ctx)

	context.AfterFunc(gctx, func() { _ = ln.Close() })

	g.Go(func() error {
		err := reporter.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error { return srv.Serve(ln) })

	if cfg.HTTPEnabled {
		httpLn, err := InheritListener(HTTPListenerFD, "http-listener", cfg.KeepAlive)
		if err != nil {
			log.Print(err)
			return 1
		}

		// Background context so hijacked CONNECT tunnels drain instead of
		// dying the moment the stop signal lands; process exit after the
		// grace period bounds them.
		httpSrv := NewHTTPProxyServer(context.Background(), cfg, srv.Counters())
		context.AfterFunc(gctx, func() {
			_ = httpSrv.Close()
			_ = httpLn.Close()
		})

		g.Go(func() error {
			if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	serveErr := g.Wait()

	if !srv.DrainAndWait(cfg.GracePeriod) {
		log.Print("grace period expired with connections in flight")
	}
	_ = reporter.Flush()

	if serveErr != nil && ctx.Err() == nil {
		// The listener died underneath us rather than being closed by a
		// shutdown signal.
		log.Printf("serve: %v", serveErr)
		return ExitListenerError
	}

	return 0
}
