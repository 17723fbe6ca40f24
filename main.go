package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/hotspotd/hotspotd/internal/netif"
	"github.com/hotspotd/hotspotd/internal/proxy"
	"github.com/hotspotd/hotspotd/internal/resolver"
	"github.com/hotspotd/hotspotd/internal/supervisor"
)

// workerReportInterval is how often workers push counter snapshots to the
// supervisor pipe. Distinct from --stats-interval, which only controls how
// often the aggregate is logged.
const workerReportInterval = 500 * time.Millisecond

func main() {
	// Must run before flag parsing: the supervisor re-executes this binary
	// with --worker and the serialized config in the environment.
	if len(os.Args) > 1 && os.Args[1] == "--worker" {
		os.Exit(proxy.RunWorker())
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		bind     = pflag.String("bind", "", "Address to listen on. Empty autodetects the WiFi interface address.")
		port     = pflag.Int("port", 9050, "SOCKS5 listen port")
		workers  = pflag.Int("workers", runtime.NumCPU(), "Number of worker processes")
		outbound = pflag.String("outbound", "", "Local address to pin upstream connections to. Empty uses the bind address when it is a concrete interface address.")
		httpPort = pflag.Int("http-port", 0, "HTTP proxy listen port. 0 disables.")

		configPath = pflag.String("config", "", "Optional YAML config file")

		dnsServers = pflag.StringSlice("dns-server", nil, `DNS resolver chain, tried in order ("system" selects the OS resolver)`)
		dnsTimeout = pflag.Duration("dns-timeout", 3*time.Second, "Per-resolver DNS query timeout")

		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for upstream TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for SOCKS5 negotiation to set up a connection")
		gracePeriod        = pflag.Duration("grace-period", 30*time.Second, "How long draining workers may finish in-flight relays")
		statsInterval      = pflag.Duration("stats-interval", 10*time.Second, "How often to log aggregate stats. 0 disables.")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose            = pflag.Bool("verbose", false, "Enable per-connection error logging")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	var dnsCacheTTL time.Duration
	if *configPath != "" {
		fc, err := proxy.LoadFileConfig(*configPath)
		if err != nil {
			return err
		}
		applyFileConfig(fc, bind, port, workers, outbound, httpPort, dnsServers, dnsTimeout, dialTimeout, gracePeriod)
		dnsCacheTTL = time.Duration(fc.DNS.CacheTTLSeconds) * time.Second
	}

	bindAddr, outboundAddr, err := resolveBindAddrs(*bind, *outbound)
	if err != nil {
		return err
	}

	cfg := proxy.Config{
		BindAddress: bindAddr,
		Port:        *port,
		Workers:     *workers,
		OutboundIP:  outboundAddr,
		HTTPEnabled: *httpPort > 0,
		HTTPPort:    *httpPort,
		DNS: resolver.Config{
			Nameservers: *dnsServers,
			Timeout:     *dnsTimeout,
			CacheTTL:    dnsCacheTTL,
		},
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		GracePeriod:        *gracePeriod,
		StatsInterval:      workerReportInterval,
		KeepAlive:          ka,
		Verbose:            *verbose,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(cfg, nil)
	if err != nil {
		return err
	}

	if err := sup.Start(); err != nil {
		return err
	}
	log.Printf("socks5 proxy listening on %s with %d workers", sup.Addr(), cfg.Workers)
	if cfg.HTTPEnabled {
		log.Printf("http proxy listening on %s", cfg.HTTPAddr())
	}

	if *statsInterval > 0 {
		go logStats(ctx, sup, *statsInterval)
	}

	<-ctx.Done()
	log.Print("shutting down")
	sup.Shutdown()
	sup.Wait()
	return nil
}

// resolveBindAddrs turns the bind/outbound flag strings into addresses,
// autodetecting the bind address from the interface scan when unset. By
// default upstream connections are pinned to the bind address itself so
// traffic egresses through the same interface clients reach us on.
func resolveBindAddrs(bind, outbound string) (bindAddr, outboundAddr netip.Addr, err error) {
	if bind == "" {
		ifc, scanErr := netif.Scan()
		if scanErr != nil {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("no --bind given and interface scan failed: %w", scanErr)
		}
		log.Printf("binding to %s (%s)", ifc.Name, ifc.IP)
		bindAddr = ifc.IP
	} else {
		bindAddr, err = netip.ParseAddr(bind)
		if err != nil {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: bind address %q: %v", proxy.ErrInvalidConfig, bind, err)
		}
	}

	switch {
	case outbound != "":
		outboundAddr, err = netip.ParseAddr(outbound)
		if err != nil {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("%w: outbound address %q: %v", proxy.ErrInvalidConfig, outbound, err)
		}
	case !bindAddr.IsLoopback() && !bindAddr.IsUnspecified():
		outboundAddr = bindAddr
	}

	return bindAddr, outboundAddr, nil
}

// applyFileConfig overlays file values onto flags the user did not set on
// the command line.
func applyFileConfig(fc *proxy.FileConfig, bind *string, port, workers *int, outbound *string, httpPort *int, dnsServers *[]string, dnsTimeout, dialTimeout, gracePeriod *time.Duration) {
	changed := pflag.CommandLine.Changed

	if fc.Bind != "" && !changed("bind") {
		*bind = fc.Bind
	}
	if fc.Port != 0 && !changed("port") {
		*port = fc.Port
	}
	if fc.Workers != 0 && !changed("workers") {
		*workers = fc.Workers
	}
	if fc.OutboundIP != "" && !changed("outbound") {
		*outbound = fc.OutboundIP
	}
	if fc.HTTPPort != 0 && !changed("http-port") {
		*httpPort = fc.HTTPPort
	}
	if len(fc.DNS.Nameservers) > 0 && !changed("dns-server") {
		*dnsServers = fc.DNS.Nameservers
	}
	if fc.DNS.TimeoutSeconds > 0 && !changed("dns-timeout") {
		*dnsTimeout = time.Duration(fc.DNS.TimeoutSeconds) * time.Second
	}
	if fc.DialTimeoutSeconds > 0 && !changed("dial-timeout") {
		*dialTimeout = time.Duration(fc.DialTimeoutSeconds) * time.Second
	}
	if fc.GracePeriodSeconds > 0 && !changed("grace-period") {
		*gracePeriod = time.Duration(fc.GracePeriodSeconds) * time.Second
	}
}

func logStats(ctx context.Context, sup *supervisor.Supervisor, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ps := sup.CurrentStats()
			log.Printf("stats: active=%d total=%d sent=%dB recv=%dB errors=%d",
				ps.Totals.ActiveConnections, ps.Totals.TotalConnections,
				ps.Totals.BytesSent, ps.Totals.BytesReceived, ps.Totals.Errors)
		}
	}
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
