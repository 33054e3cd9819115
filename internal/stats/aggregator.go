// Package stats accumulates per-nameserver health and latency counters for
// a running resolver.Context. The core scheduler never imports this
// package: Aggregator.Observe is wired in as the
// resolver.Config.OnLatencySample callback and runs synchronously on the
// scheduler thread, together with its optional onSample fan-out. Readers
// (the stats HTTP server) only ever see snapshots the Aggregator has
// already computed.
package stats

import (
	"net/netip"
	"sync"
	"time"

	"github.com/jroosing/stubresolver/resolver"
)

// WeightForLatest is the percent weight the latest RTT sample carries in
// the running weighted average. Health tracking here is purely
// observational: it never feeds back into nameserver selection, which
// stays plain rotation.
const WeightForLatest = 67

// ResetFailedAfter is how long a nameserver's failure streak is remembered
// before NameserverStats.Healthy reports it as recovered.
const ResetFailedAfter = 3 * time.Minute

// NameserverStats is the observational record kept per configured
// nameserver.
type NameserverStats struct {
	Nameserver      netip.AddrPort
	Attempts        uint64
	Successes       uint64
	Failures        uint64
	UDPAttempts     uint64
	TCPAttempts     uint64
	WeightedRTT     time.Duration
	LastSeen        time.Time
	LastWasFailure  bool
	LastFailureTime time.Time
}

// Healthy reports whether ns's most recent sample was a success, or its
// last failure is old enough to have aged out of the ResetFailedAfter
// rehabilitation window.
func (ns NameserverStats) Healthy(now time.Time) bool {
	if !ns.LastWasFailure {
		return true
	}
	return now.Sub(ns.LastFailureTime) >= ResetFailedAfter
}

// Aggregator accumulates resolver.LatencySample observations into
// per-nameserver counters and a weighted-average RTT. It is safe for
// concurrent use: Observe is called from the resolver's scheduler thread,
// while Snapshot is called from whatever goroutine serves an HTTP request.
type Aggregator struct {
	mu        sync.Mutex
	started   time.Time
	byServer  map[netip.AddrPort]*NameserverStats
	onSample  func(resolver.LatencySample) // optional fan-out, e.g. to statsdb
	queries   uint64
	udpTotal  uint64
	tcpTotal  uint64
	nxdomain  uint64
	errors    uint64
	latencies []time.Duration // RTTs of the most recent successful samples (last 256), for AvgLatencyMs
}

// NewAggregator returns an empty Aggregator. onSample, if non-nil, is
// invoked synchronously after every sample is folded into the running
// stats; internal/statsdb uses this to persist a copy without the
// aggregator needing to know about SQL.
func NewAggregator(onSample func(resolver.LatencySample)) *Aggregator {
	return &Aggregator{
		started:  time.Now(),
		byServer: make(map[netip.AddrPort]*NameserverStats),
		onSample: onSample,
	}
}

// Observe folds one resolver.LatencySample into the running per-nameserver
// stats. Intended to be wired as resolver.Config.OnLatencySample.
func (a *Aggregator) Observe(s resolver.LatencySample) {
	a.mu.Lock()
	stat, ok := a.byServer[s.Nameserver]
	if !ok {
		stat = &NameserverStats{Nameserver: s.Nameserver}
		a.byServer[s.Nameserver] = stat
	}
	stat.Attempts++
	if s.Proto == "tcp" {
		stat.TCPAttempts++
	} else {
		stat.UDPAttempts++
	}
	stat.LastSeen = time.Now()
	if s.Success {
		stat.Successes++
		stat.LastWasFailure = false
		if stat.WeightedRTT == 0 {
			stat.WeightedRTT = s.RTT
		} else {
			current := s.RTT * WeightForLatest
			historic := stat.WeightedRTT * (100 - WeightForLatest)
			stat.WeightedRTT = (current + historic) / 100
		}
		a.latencies = append(a.latencies, s.RTT)
		if len(a.latencies) > 256 {
			a.latencies = a.latencies[len(a.latencies)-256:]
		}
	} else {
		stat.Failures++
		stat.LastWasFailure = true
		stat.LastFailureTime = stat.LastSeen
	}
	a.mu.Unlock()

	if a.onSample != nil {
		a.onSample(s)
	}
}

// RecordQuery tallies one completed Lookup outside of the per-attempt
// latency samples: total query count, protocol split and terminal outcome.
// Wired from the same Handler that reports to the caller.
func (a *Aggregator) RecordQuery(proto string, nxdomain, failed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries++
	if proto == "tcp" {
		a.tcpTotal++
	} else {
		a.udpTotal++
	}
	if nxdomain {
		a.nxdomain++
	}
	if failed {
		a.errors++
	}
}

// Snapshot is the aggregator's state, frozen for one HTTP response.
type Snapshot struct {
	Started      time.Time
	Nameservers  []NameserverStats
	Queries      uint64
	QueriesUDP   uint64
	QueriesTCP   uint64
	ResponsesNX  uint64
	ResponsesErr uint64
	AvgLatencyMs float64
}

// Snapshot returns a consistent, point-in-time copy of the aggregator's
// state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := Snapshot{
		Started:      a.started,
		Queries:      a.queries,
		QueriesUDP:   a.udpTotal,
		QueriesTCP:   a.tcpTotal,
		ResponsesNX:  a.nxdomain,
		ResponsesErr: a.errors,
	}
	out.Nameservers = make([]NameserverStats, 0, len(a.byServer))
	for _, s := range a.byServer {
		out.Nameservers = append(out.Nameservers, *s)
	}
	if len(a.latencies) > 0 {
		var sum time.Duration
		for _, d := range a.latencies {
			sum += d
		}
		out.AvgLatencyMs = float64(sum.Microseconds()) / 1000 / float64(len(a.latencies))
	}
	return out
}
