// Command resolvedig issues a single DNS query through the resolver
// library and prints the result. It is driven through the real scheduler
// (reactor/epoll + resolver.Context) instead of a one-off hand-rolled
// socket round trip, so it also exercises retries, TCP fallback and
// EDNS(0) the same way a long-running consumer of the library would.
package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/jroosing/stubresolver/reactor/epoll"
	"github.com/jroosing/stubresolver/resolver"
	"github.com/jroosing/stubresolver/resolver/query"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "resolvedig: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		server   = flag.String("server", "8.8.8.8:53", "nameserver HOST:PORT")
		name     = flag.String("name", "", "query name (required)")
		qtype    = flag.String("type", "A", "query type: A, AAAA, MX, TXT, NS, CNAME, PTR, ...")
		timeout  = flag.Duration("timeout", 5*time.Second, "total per-lookup budget")
		attempts = flag.Int("attempts", 3, "attempts before the lookup is considered exhausted")
		dnssec   = flag.Bool("dnssec", false, "set the DNSSEC OK (DO) bit")
		recurse  = flag.Bool("recurse", true, "set the Recursion Desired (RD) bit")
		quiet    = flag.Bool("quiet", false, "suppress output; exit status indicates success")
	)
	flag.Parse()

	if strings.TrimSpace(*name) == "" {
		return fmt.Errorf("-name is required")
	}
	nsAddr, err := parseNameserver(*server)
	if err != nil {
		return err
	}
	qt, ok := dns.StringToType[strings.ToUpper(*qtype)]
	if !ok {
		return fmt.Errorf("unknown query type %q", *qtype)
	}

	react, err := epoll.New()
	if err != nil {
		return fmt.Errorf("creating reactor: %w", err)
	}
	defer react.Close()

	cfg := resolver.DefaultConfig()
	cfg.Nameservers = []netip.AddrPort{nsAddr}
	cfg.Timeout = *timeout
	cfg.Attempts = *attempts

	ctx, err := resolver.New(react, cfg)
	if err != nil {
		return fmt.Errorf("creating resolver context: %w", err)
	}
	defer ctx.Close()

	stop := make(chan struct{})
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- react.Run(stop) }()

	var bits query.Bits
	if !*recurse {
		bits |= query.NoRD
	}
	if *dnssec {
		bits |= query.DO
	}

	type result struct {
		outcome resolver.Outcome
		resp    *dns.Msg
		rcode   int
	}
	done := make(chan result, 1)

	ctx.Query(*name, qt, bits, resolver.FuncHandler{
		Resolved: func(_ *resolver.LookupHandle, resp *dns.Msg) {
			done <- result{outcome: resolver.OutcomeResolved, resp: resp}
		},
		Failure: func(_ *resolver.LookupHandle, rcode int) {
			done <- result{outcome: resolver.OutcomeFailure, rcode: rcode}
		},
		Timeout: func(_ *resolver.LookupHandle) {
			done <- result{outcome: resolver.OutcomeTimeout}
		},
		Cancelled: func(_ *resolver.LookupHandle) {
			done <- result{outcome: resolver.OutcomeCancelled}
		},
	})

	var res result
	select {
	case res = <-done:
	case runErr := <-runErrCh:
		close(stop)
		return fmt.Errorf("reactor stopped early: %w", runErr)
	}
	close(stop)

	if !*quiet {
		printResult(res.outcome, res.resp, res.rcode)
	}
	if res.outcome != resolver.OutcomeResolved {
		os.Exit(1)
	}
	return nil
}

func parseNameserver(s string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(s)
	if err == nil {
		return addr, nil
	}
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid -server %q: %w", s, err)
	}
	return netip.AddrPortFrom(ip, resolver.DefaultNameserverPort), nil
}

func printResult(outcome resolver.Outcome, resp *dns.Msg, rcode int) {
	switch outcome {
	case resolver.OutcomeResolved:
		fmt.Printf("status=%s answers=%d\n", dns.RcodeToString[resp.Rcode], len(resp.Answer))
		rows := make([]string, 0, len(resp.Answer))
		for _, rr := range resp.Answer {
			rows = append(rows, rr.String())
		}
		sort.Strings(rows)
		for _, row := range rows {
			fmt.Println(row)
		}
	case resolver.OutcomeFailure:
		fmt.Printf("failure rcode=%s\n", dns.RcodeToString[rcode])
	case resolver.OutcomeTimeout:
		fmt.Println("timeout")
	case resolver.OutcomeCancelled:
		fmt.Println("cancelled")
	}
}
