// Command resolverd runs a long-lived resolver.Context driven by the
// reactor/epoll default Reactor, with the internal/statsserver admin API
// and optional internal/statsdb persistence layered on top — the daemon
// analogue of cmd/resolvedig's one-shot lookup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jroosing/stubresolver/internal/config"
	"github.com/jroosing/stubresolver/internal/helpers"
	"github.com/jroosing/stubresolver/internal/logging"
	"github.com/jroosing/stubresolver/internal/stats"
	"github.com/jroosing/stubresolver/internal/statsdb"
	"github.com/jroosing/stubresolver/internal/statsserver"
	"github.com/jroosing/stubresolver/reactor/epoll"
	"github.com/jroosing/stubresolver/resolver"
	"github.com/jroosing/stubresolver/resolver/query"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "resolverd: %v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values. Everything not listed
// here comes from the YAML config file or STUBRESOLVER_* environment
// variables (see internal/config.Load).
type cliFlags struct {
	configPath  string
	nameservers string
	hostsFile   string
	resolvConf  string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&f.nameservers, "nameservers", "", "comma-separated nameserver HOST[:PORT] list")
	flag.StringVar(&f.hostsFile, "hosts", "", "path to an /etc/hosts-format file, overrides STUBRESOLVER_RESOLVER_HOSTS_FILE")
	flag.StringVar(&f.resolvConf, "resolv-conf", "", "load nameservers/search/ndots from a resolv.conf-format file (its timeout/attempts are replaced by the daemon's resolver settings)")
	flag.Parse()
	return f
}

func run() error {
	flags := parseFlags()

	var flagNS []string
	if flags.nameservers != "" {
		for _, s := range strings.Split(flags.nameservers, ",") {
			if s = strings.TrimSpace(s); s != "" {
				flagNS = append(flagNS, s)
			}
		}
	}

	cfg, err := config.Load(flags.configPath, flagNS)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if flags.hostsFile != "" {
		cfg.Resolver.HostsFile = flags.hostsFile
	}

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
	})

	rcfg, err := buildResolverConfig(cfg, flags.resolvConf)
	if err != nil {
		return err
	}

	var hosts *resolver.Hosts
	if cfg.Resolver.HostsFile != "" {
		hosts, err = resolver.LoadHosts(cfg.Resolver.HostsFile)
		if err != nil {
			return fmt.Errorf("loading hosts file: %w", err)
		}
	}

	var db *statsdb.DB
	if cfg.Stats.DBPath != "" {
		db, err = statsdb.Open(cfg.Stats.DBPath)
		if err != nil {
			return fmt.Errorf("opening stats database: %w", err)
		}
		defer db.Close()
	}

	dbLogger := logging.Component(logger, "statsdb")
	var onSample func(resolver.LatencySample)
	if db != nil {
		onSample = func(s resolver.LatencySample) {
			if ierr := db.Insert(s); ierr != nil {
				dbLogger.Error("persisting latency sample", "error", ierr)
			}
		}
	}
	agg := stats.NewAggregator(onSample)
	rcfg.OnLatencySample = agg.Observe

	react, err := epoll.New()
	if err != nil {
		return fmt.Errorf("creating reactor: %w", err)
	}
	defer react.Close()

	var opts []resolver.Option
	opts = append(opts, resolver.WithLogger(logging.Component(logger, "resolver")))
	if hosts != nil {
		opts = append(opts, resolver.WithHosts(hosts))
	}
	resCtx, err := resolver.New(react, rcfg, opts...)
	if err != nil {
		return fmt.Errorf("creating resolver context: %w", err)
	}
	defer resCtx.Close()

	logger.Info("resolverd starting",
		"nameservers", cfg.Resolver.Nameservers,
		"rotate", cfg.Resolver.Rotate,
		"randomized_ids", cfg.Resolver.Randomized,
		"capacity", rcfg.Capacity,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The probe's first timer must be armed before Run starts: after that,
	// every reactor interaction (the probe's queries included) happens on
	// the reactor's own thread, which is the only place the cooperative
	// core may be called from.
	if cfg.Probe.Enabled {
		startProbe(react, resCtx, agg, logging.Component(logger, "probe"), cfg.Probe)
	}

	stop := make(chan struct{})
	reactorErrCh := make(chan error, 1)
	go func() { reactorErrCh <- react.Run(stop) }()

	var statsSrv *statsserver.Server
	if cfg.Stats.Enabled {
		statsSrv = statsserver.New(cfg.Stats.Host, cfg.Stats.Port, cfg.Stats.APIKey, agg, logging.Component(logger, "statsserver"))
		logger.Info("stats server starting", "addr", statsSrv.Addr())
		go func() {
			if serveErr := statsSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Error("stats server error", "error", serveErr)
				cancel()
			}
		}()
	}

	resourceStop := make(chan struct{})
	go logResourceUsage(ctx, logger, resourceStop)

	<-ctx.Done()
	logger.Info("resolverd shutting down")
	close(resourceStop)
	close(stop)

	if statsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = statsSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	select {
	case rerr := <-reactorErrCh:
		if rerr != nil {
			return fmt.Errorf("reactor exited with error: %w", rerr)
		}
	case <-time.After(time.Second):
	}
	return nil
}

// buildResolverConfig starts from resolver.DefaultConfig, optionally
// overlays a resolv.conf-format file (flags.resolvConf), then applies the
// daemon's own config.Config knobs (already layered flags > env > file >
// code default). Timeout, interval, attempts, capacity and max-calls always
// carry a value at that layer, so they always replace what the resolv.conf
// file set; its nameservers are kept only when the daemon config lists none.
func buildResolverConfig(cfg *config.Config, resolvConfPath string) (resolver.Config, error) {
	var rcfg resolver.Config
	if resolvConfPath != "" {
		var err error
		rcfg, err = resolver.ConfigFromResolvConf(resolvConfPath)
		if err != nil {
			return resolver.Config{}, fmt.Errorf("loading resolv.conf: %w", err)
		}
	} else {
		rcfg = resolver.DefaultConfig()
	}

	if len(cfg.Resolver.Nameservers) > 0 {
		addrs, err := parseNameservers(cfg.Resolver.Nameservers)
		if err != nil {
			return resolver.Config{}, err
		}
		rcfg.Nameservers = addrs
	}
	if timeout, err := time.ParseDuration(cfg.Resolver.Timeout); err == nil && timeout > 0 {
		rcfg.Timeout = timeout
	}
	if interval, err := time.ParseDuration(cfg.Resolver.Interval); err == nil && interval > 0 {
		rcfg.Interval = interval
	}
	if cfg.Resolver.Attempts > 0 {
		rcfg.Attempts = cfg.Resolver.Attempts
	}
	if cfg.Resolver.Capacity > 0 {
		rcfg.Capacity = cfg.Resolver.Capacity
	}
	if cfg.Resolver.MaxCalls > 0 {
		rcfg.MaxCalls = cfg.Resolver.MaxCalls
	}
	rcfg.Rotate = cfg.Resolver.Rotate
	rcfg.Randomized = cfg.Resolver.Randomized
	if cfg.Resolver.EDNSUDPSize > 0 {
		rcfg.EDNSUDPSize = helpers.ClampIntToUint16(cfg.Resolver.EDNSUDPSize)
	}
	if cfg.Resolver.UDPSocketCount > 0 {
		rcfg.UDPSocketCount = helpers.ClampInt(cfg.Resolver.UDPSocketCount, 1, 256)
	}

	if len(rcfg.Nameservers) == 0 {
		return resolver.Config{}, errors.New("no nameservers configured: pass -nameservers, STUBRESOLVER_RESOLVER_NAMESERVERS, or -resolv-conf")
	}
	return rcfg, nil
}

func parseNameservers(raw []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(raw))
	for _, s := range raw {
		addr, err := netip.ParseAddrPort(s)
		if err == nil {
			out = append(out, addr)
			continue
		}
		ip, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid nameserver %q: %w", s, err)
		}
		out = append(out, netip.AddrPortFrom(ip, resolver.DefaultNameserverPort))
	}
	return out, nil
}

// startProbe arms a recurring health probe: every probe.Interval the
// resolver looks up probe.Name through its normal scheduler path and the
// terminal outcome is folded into agg, so /api/v1/stats reports fresh
// per-nameserver latency even on an otherwise idle daemon. Each probe
// fires, re-arms itself from within its own callback, and stays entirely
// on the reactor thread.
func startProbe(react *epoll.Reactor, resCtx *resolver.Context, agg *stats.Aggregator, logger *slog.Logger, probe config.ProbeConfig) {
	interval, err := time.ParseDuration(probe.Interval)
	if err != nil || interval <= 0 {
		interval = 30 * time.Second
	}

	var fire func(resolver.Events)
	rearm := func() {
		if _, terr := react.Timer(interval, fire); terr != nil {
			logger.Error("arming probe timer", "error", terr)
		}
	}
	fire = func(resolver.Events) {
		start := time.Now()
		handle := resCtx.Query(probe.Name, dns.TypeA, query.RD, resolver.FuncHandler{
			Resolved: func(_ *resolver.LookupHandle, resp *dns.Msg) {
				// The Handler boundary doesn't say which transport carried
				// the answer; per-attempt proto splits come from the
				// OnLatencySample path instead.
				agg.RecordQuery("udp", false, false)
				logger.Debug("probe resolved", "name", probe.Name, "answers", len(resp.Answer), "rtt_ms", time.Since(start).Milliseconds())
				rearm()
			},
			Failure: func(_ *resolver.LookupHandle, rcode int) {
				agg.RecordQuery("udp", rcode == dns.RcodeNameError, true)
				logger.Warn("probe failed", "name", probe.Name, "rcode", dns.RcodeToString[rcode])
				rearm()
			},
			Timeout: func(_ *resolver.LookupHandle) {
				agg.RecordQuery("udp", false, true)
				logger.Warn("probe timed out", "name", probe.Name)
				rearm()
			},
		})
		if handle == nil {
			logger.Error("probe name rejected", "name", probe.Name)
		}
	}
	rearm()
}

// logResourceUsage periodically logs host CPU/memory usage via gopsutil/v3,
// the same sampling handlers.Stats serves over HTTP but pushed to the log
// on a fixed cadence.
func logResourceUsage(ctx context.Context, logger *slog.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			var fields []any
			if vmStat, err := mem.VirtualMemory(); err == nil {
				fields = append(fields, "mem_used_percent", vmStat.UsedPercent)
			}
			if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
				fields = append(fields, "cpu_used_percent", cpuPercent[0])
			}
			logger.Info("resolverd resource usage", fields...)
		}
	}
}
