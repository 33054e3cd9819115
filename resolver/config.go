package resolver

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/jroosing/stubresolver/internal/helpers"
)

// Default admission and retry parameters.
const (
	DefaultTimeout  = 60 * time.Second
	DefaultAttempts = 5
	DefaultInterval = 2 * time.Second
	DefaultCapacity = 1024
	DefaultMaxCalls = 64
	DefaultNdots    = 1

	// Upper bounds applyDefaults clamps operator-supplied values to. These
	// guard against a misconfigured env var or resolv.conf-derived value
	// (e.g. Capacity parsed from an untrusted override) turning into an
	// unreasonably large allocation rather than a clean validation error.
	maxCapacity       = 1 << 20
	maxMaxCalls       = 1 << 16
	maxUDPSocketCount = 256
)

// DefaultNameserverPort is the port appended to a bare nameserver address
// by NameserverAddrs and ConfigFromResolvConf.
const DefaultNameserverPort = 53

// Config is the immutable-after-construction snapshot a Lookup captures
// when it is admitted. Nameservers mixes v4 and v6 freely; nothing in the
// core treats the two families specially beyond socket selection in the
// UDP transport.
type Config struct {
	// Nameservers carries an explicit port per entry (almost always 53) so
	// tests and embedders targeting a nonstandard resolver port don't need
	// a side channel; see NameserverAddrs for the common case of building
	// this from bare IPs.
	Nameservers []netip.AddrPort
	Search      []string
	Ndots       int

	Timeout  time.Duration // total per-lookup budget
	Attempts int           // attempts before a lookup is considered exhausted
	Interval time.Duration // spacing between retransmits
	Rotate   bool          // offset nameserver selection per lookup

	Capacity int // max simultaneously in-flight Remote Lookups
	MaxCalls int // user callbacks per scheduler tick before yielding

	EDNSUDPSize uint16 // advertised EDNS(0) UDP payload size; 0 -> query.DefaultEDNSUDPSize

	UDPSocketCount    int // sockets opened per address family; 0 -> 1
	UDPRecvBufferSize int // 0 -> system default

	TCPTimeout time.Duration // dial timeout for a TCP escalation; 0 -> Timeout (the exchange after connecting is bounded by Timeout)

	// Randomized selects RandomizedIDAllocator capped at RandomizedIDCapacity
	// instead of the default MonotonicIDAllocator (New then lowers Capacity
	// to RandomizedIDCapacity when it is larger). Use this when the host
	// cannot guarantee per-socket UDP source port randomization.
	Randomized bool

	// OnLatencySample, if non-nil, is invoked with an observational record
	// when a lookup gets a matching UDP or TCP response (Success true), when
	// it gives up after its last UDP attempt, and when its TCP escalation
	// fails (Success false). Unanswered retransmissions are not reported one
	// by one, and RTT is measured from the lookup's most recent send. The
	// callback runs synchronously on the thread driving the Reactor, so a
	// slow callback delays the scheduler; the core never depends on its side
	// effects. It exists purely so an embedder (see internal/stats) can
	// observe nameserver health without the scheduler importing any
	// observability package.
	OnLatencySample func(LatencySample)
}

// LatencySample is published through Config.OnLatencySample; see there for
// when.
type LatencySample struct {
	Nameserver netip.AddrPort
	RTT        time.Duration
	Success    bool
	Proto      string // "udp" or "tcp"
}

// NameserverAddrs builds a []netip.AddrPort from bare IP addresses, each on
// DefaultNameserverPort — the common case when an embedder already has a
// list of resolver IPs and doesn't care about nonstandard ports.
func NameserverAddrs(ips ...netip.Addr) []netip.AddrPort {
	out := make([]netip.AddrPort, len(ips))
	for i, ip := range ips {
		out[i] = netip.AddrPortFrom(ip, DefaultNameserverPort)
	}
	return out
}

// DefaultConfig returns a Config with every default applied and no
// nameservers configured (the caller must set Nameservers, or every lookup
// will synthesize an immediate failure).
func DefaultConfig() Config {
	return Config{
		Ndots:       DefaultNdots,
		Timeout:     DefaultTimeout,
		Attempts:    DefaultAttempts,
		Interval:    DefaultInterval,
		Capacity:    DefaultCapacity,
		MaxCalls:    DefaultMaxCalls,
		EDNSUDPSize: 0,
	}
}

func (c *Config) applyDefaults() {
	if c.Ndots == 0 {
		c.Ndots = DefaultNdots
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Attempts == 0 {
		c.Attempts = DefaultAttempts
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	c.Capacity = helpers.ClampInt(c.Capacity, 1, maxCapacity)
	if c.MaxCalls == 0 {
		c.MaxCalls = DefaultMaxCalls
	}
	c.MaxCalls = helpers.ClampInt(c.MaxCalls, 1, maxMaxCalls)
	if c.TCPTimeout == 0 {
		c.TCPTimeout = c.Timeout
	}
	if c.UDPSocketCount <= 0 {
		c.UDPSocketCount = 1
	}
	c.UDPSocketCount = helpers.ClampInt(c.UDPSocketCount, 1, maxUDPSocketCount)
	if c.UDPRecvBufferSize < 0 {
		c.UDPRecvBufferSize = int(helpers.ClampIntToUint32(c.UDPRecvBufferSize))
	}
}

// ConfigFromResolvConf reads nameservers, search paths, ndots, timeout and
// attempts from a resolv.conf-format file. Parsing itself is delegated to
// miekg/dns's dns.ClientConfigFromFile rather than hand-rolled.
func ConfigFromResolvConf(path string) (Config, error) {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolver: reading %s: %w", path, err)
	}

	cfg := DefaultConfig()
	cfg.Search = cc.Search
	if cc.Ndots > 0 {
		cfg.Ndots = cc.Ndots
	}
	if cc.Timeout > 0 {
		cfg.Timeout = time.Duration(cc.Timeout) * time.Second
	}
	if cc.Attempts > 0 {
		cfg.Attempts = cc.Attempts
	}
	for _, s := range cc.Servers {
		addr, perr := netip.ParseAddr(s)
		if perr != nil {
			continue
		}
		cfg.Nameservers = append(cfg.Nameservers, netip.AddrPortFrom(addr, DefaultNameserverPort))
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Hosts is a case-insensitive hostname -> IP map playing the role of
// /etc/hosts: a lookup collaborator the core consults before falling back
// to a Remote Lookup, and consults again to decide whether an NXDOMAIN
// response should be masked.
type Hosts struct {
	byName map[string][]netip.Addr
	byAddr map[netip.Addr]string
}

// NewHosts returns an empty Hosts map.
func NewHosts() *Hosts {
	return &Hosts{
		byName: make(map[string][]netip.Addr),
		byAddr: make(map[netip.Addr]string),
	}
}

// Add registers name -> ip. name is stored lowercased; lookups are
// case-insensitive.
func (h *Hosts) Add(name string, ip netip.Addr) {
	key := strings.ToLower(strings.TrimSuffix(name, "."))
	h.byName[key] = append(h.byName[key], ip)
	if _, exists := h.byAddr[ip]; !exists {
		h.byAddr[ip] = key
	}
}

// Lookup returns the addresses of the requested family (4 or 6) registered
// for name, if any.
func (h *Hosts) Lookup(name string, family int) ([]netip.Addr, bool) {
	key := strings.ToLower(strings.TrimSuffix(name, "."))
	addrs, ok := h.byName[key]
	if !ok {
		return nil, false
	}
	var out []netip.Addr
	for _, a := range addrs {
		if (family == 4 && a.Is4()) || (family == 6 && a.Is6() && !a.Is4In6()) {
			out = append(out, a)
		}
	}
	return out, len(out) > 0
}

// Has reports whether name has any entry, in any family — used for NXDOMAIN
// masking, which only cares that the name exists in Hosts at all.
func (h *Hosts) Has(name string) bool {
	key := strings.ToLower(strings.TrimSuffix(name, "."))
	_, ok := h.byName[key]
	return ok
}

// ReverseLookup returns the hostname registered for ip, if any.
func (h *Hosts) ReverseLookup(ip netip.Addr) (string, bool) {
	name, ok := h.byAddr[ip]
	return name, ok
}

// LoadHosts parses an /etc/hosts-format file: whitespace-separated IP
// followed by one or more names, '#' starts a comment. net's own hosts
// parser is unexported and the format is small, so this is hand-written.
func LoadHosts(path string) (*Hosts, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("resolver: reading hosts file %s: %w", path, err)
	}
	defer f.Close()

	hosts := NewHosts()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, err := netip.ParseAddr(fields[0])
		if err != nil {
			if legacy := net.ParseIP(fields[0]); legacy != nil {
				if a, ok := netip.AddrFromSlice(legacy); ok {
					ip = a.Unmap()
				}
			}
			if !ip.IsValid() {
				continue
			}
		}
		for _, name := range fields[1:] {
			hosts.Add(name, ip)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("resolver: parsing hosts file %s: %w", path, err)
	}
	return hosts, nil
}
