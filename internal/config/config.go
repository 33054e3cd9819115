package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Defaults applied when neither a config file nor an environment variable
// provides a value, matching resolver.Default* where the two overlap.
const (
	DefaultTimeout  = "60s"
	DefaultInterval = "2s"
	DefaultAttempts = 5
	DefaultCapacity = 1024
	DefaultMaxCalls = 64

	DefaultProbeName     = "example.com"
	DefaultProbeInterval = "30s"

	DefaultStatsHost = "127.0.0.1"
	DefaultStatsPort = 8080

	DefaultLoggingLevel  = "INFO"
	DefaultLoggingFormat = "json"
)

// Load builds a Config from hardcoded defaults, an optional YAML config
// file, and STUBRESOLVER_*-prefixed environment variables, lowest to
// highest. flagNameservers, if non-empty, takes precedence over all three
// (it is the one setting cmd/resolverd always has as a CLI flag, since a
// daemon with no nameservers configured can't do anything useful).
func Load(configPath string, flagNameservers []string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	loadResolverConfig(v, cfg)
	loadProbeConfig(v, cfg)
	loadStatsConfig(v, cfg)
	loadLoggingConfig(v, cfg)

	if len(flagNameservers) > 0 {
		cfg.Resolver.Nameservers = flagNameservers
	}

	normalizeConfig(cfg)
	return cfg, nil
}

// initConfig sets up the config loader with defaults, env binding, and the
// optional config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable binding.
	// Uses the STUBRESOLVER_ prefix: STUBRESOLVER_RESOLVER_TIMEOUT ->
	// resolver.timeout
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Resolver defaults
	v.SetDefault("resolver.nameservers", []string{})
	v.SetDefault("resolver.timeout", DefaultTimeout)
	v.SetDefault("resolver.interval", DefaultInterval)
	v.SetDefault("resolver.attempts", DefaultAttempts)
	v.SetDefault("resolver.capacity", DefaultCapacity)
	v.SetDefault("resolver.max_calls", DefaultMaxCalls)
	v.SetDefault("resolver.rotate", false)
	v.SetDefault("resolver.randomized_ids", false)
	v.SetDefault("resolver.edns_udp_size", 0)
	v.SetDefault("resolver.udp_socket_count", 0)
	v.SetDefault("resolver.hosts_file", "")

	// Probe defaults
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.name", DefaultProbeName)
	v.SetDefault("probe.interval", DefaultProbeInterval)

	// Stats server defaults
	// Default to localhost for safety.
	v.SetDefault("stats.enabled", true)
	v.SetDefault("stats.host", DefaultStatsHost)
	v.SetDefault("stats.port", DefaultStatsPort)
	v.SetDefault("stats.api_key", "")
	v.SetDefault("stats.db_path", "")

	// Logging defaults
	v.SetDefault("logging.level", DefaultLoggingLevel)
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", DefaultLoggingFormat)
	v.SetDefault("logging.include_pid", false)
}

func loadResolverConfig(v *viper.Viper, cfg *Config) {
	cfg.Resolver.Nameservers = getStringSliceOrSplit(v, "resolver.nameservers")
	cfg.Resolver.Timeout = v.GetString("resolver.timeout")
	cfg.Resolver.Interval = v.GetString("resolver.interval")
	cfg.Resolver.Attempts = v.GetInt("resolver.attempts")
	cfg.Resolver.Capacity = v.GetInt("resolver.capacity")
	cfg.Resolver.MaxCalls = v.GetInt("resolver.max_calls")
	cfg.Resolver.Rotate = v.GetBool("resolver.rotate")
	cfg.Resolver.Randomized = v.GetBool("resolver.randomized_ids")
	cfg.Resolver.EDNSUDPSize = v.GetInt("resolver.edns_udp_size")
	cfg.Resolver.UDPSocketCount = v.GetInt("resolver.udp_socket_count")
	cfg.Resolver.HostsFile = v.GetString("resolver.hosts_file")
}

func loadProbeConfig(v *viper.Viper, cfg *Config) {
	cfg.Probe.Enabled = v.GetBool("probe.enabled")
	cfg.Probe.Name = v.GetString("probe.name")
	cfg.Probe.Interval = v.GetString("probe.interval")
}

func loadStatsConfig(v *viper.Viper, cfg *Config) {
	cfg.Stats.Enabled = v.GetBool("stats.enabled")
	cfg.Stats.Host = v.GetString("stats.host")
	cfg.Stats.Port = v.GetInt("stats.port")
	cfg.Stats.APIKey = v.GetString("stats.api_key")
	cfg.Stats.DBPath = v.GetString("stats.db_path")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
}

// normalizeConfig resets out-of-range values (an unparseable env int comes
// back from viper as 0) to their defaults rather than failing the load.
func normalizeConfig(cfg *Config) {
	if cfg.Resolver.Attempts <= 0 {
		cfg.Resolver.Attempts = DefaultAttempts
	}
	if cfg.Resolver.Capacity <= 0 {
		cfg.Resolver.Capacity = DefaultCapacity
	}
	if cfg.Resolver.MaxCalls <= 0 {
		cfg.Resolver.MaxCalls = DefaultMaxCalls
	}
	if cfg.Stats.Port <= 0 {
		cfg.Stats.Port = DefaultStatsPort
	}
	if cfg.Probe.Name == "" {
		cfg.Probe.Name = DefaultProbeName
	}
	if cfg.Probe.Interval == "" {
		cfg.Probe.Interval = DefaultProbeInterval
	}
}

// getStringSliceOrSplit reads key as a string slice, accepting either a
// real YAML list or a comma-separated string from the environment (viper
// hands env values through as one string).
func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	if s := v.GetString(key); strings.Contains(s, ",") {
		return parseServerList(strings.Split(s, ","))
	}
	return parseServerList(v.GetStringSlice(key))
}

// parseServerList trims whitespace and drops empty entries.
func parseServerList(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
