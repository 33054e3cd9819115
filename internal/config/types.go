// Package config loads the admin-surface configuration for cmd/resolverd.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (parsed in cmd/resolverd/main.go; Load applies the
//     -nameservers list it is given)
//  2. Environment variables (STUBRESOLVER_* prefix)
//  3. YAML config file (if specified with -config)
//  4. Hardcoded defaults
//
// Environment variables are mapped from STUBRESOLVER_CATEGORY_SETTING
// format, e.g., STUBRESOLVER_RESOLVER_TIMEOUT maps to resolver.timeout in
// YAML.
//
// This is deliberately not the resolver library's own Config (see
// resolver.Config / resolver.ConfigFromResolvConf): it only covers the
// daemon's own knobs -- which nameservers to forward to, where the stats
// server listens, how the daemon logs.
package config

// EnvPrefix is prepended to every recognized environment variable name.
const EnvPrefix = "STUBRESOLVER"

// Config is the root configuration for cmd/resolverd.
type Config struct {
	Resolver ResolverConfig
	Probe    ProbeConfig
	Stats    StatsConfig
	Logging  LoggingConfig
}

// ResolverConfig maps onto resolver.Config's tunables.
type ResolverConfig struct {
	Nameservers []string // host[:port], port defaults to 53
	Timeout     string   // e.g. "5s"
	Interval    string
	Attempts    int
	Capacity    int
	MaxCalls    int
	Rotate      bool
	Randomized  bool
	HostsFile   string // path to an /etc/hosts-format file, "" to skip

	// EDNSUDPSize and UDPSocketCount are plain ints at this layer (env vars
	// and YAML have no notion of uint16) and get clamped into
	// resolver.Config's narrower field types in cmd/resolverd's
	// buildResolverConfig.
	EDNSUDPSize    int
	UDPSocketCount int
}

// ProbeConfig controls resolverd's periodic health probe: a real lookup
// issued through the scheduler on a fixed cadence, so the stats surface has
// fresh per-nameserver latency data even when nothing else is resolving.
type ProbeConfig struct {
	Enabled  bool
	Name     string // query name to probe with
	Interval string // e.g. "30s"
}

// StatsConfig controls the internal/statsserver HTTP surface.
type StatsConfig struct {
	Enabled bool
	Host    string
	Port    int
	APIKey  string
	DBPath  string // sqlite file backing internal/statsdb, "" disables persistence
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level            string
	Structured       bool
	StructuredFormat string
	IncludePID       bool
}
