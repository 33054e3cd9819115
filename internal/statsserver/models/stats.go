package models

import "time"

// CPUStats contains system CPU statistics, sampled via gopsutil/v3.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// MemoryStats contains system memory statistics.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// NameserverStatsResponse is one configured nameserver's observed health.
type NameserverStatsResponse struct {
	Nameserver    string  `json:"nameserver"`
	Attempts      uint64  `json:"attempts"`
	Successes     uint64  `json:"successes"`
	Failures      uint64  `json:"failures"`
	UDPAttempts   uint64  `json:"udp_attempts"`
	TCPAttempts   uint64  `json:"tcp_attempts"`
	WeightedRTTMs float64 `json:"weighted_rtt_ms"`
	Healthy       bool    `json:"healthy"`
}

// ResolverStatsResponse contains query-level statistics for the resolver.
type ResolverStatsResponse struct {
	QueriesTotal uint64  `json:"queries_total"`
	QueriesUDP   uint64  `json:"queries_udp"`
	QueriesTCP   uint64  `json:"queries_tcp"`
	ResponsesNX  uint64  `json:"responses_nxdomain"`
	ResponsesErr uint64  `json:"responses_error"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ServerStatsResponse contains server runtime statistics plus the
// resolver's own query counters and nameserver health table.
type ServerStatsResponse struct {
	Uptime        string                    `json:"uptime"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	StartTime     time.Time                 `json:"start_time"`
	CPU           CPUStats                  `json:"cpu"`
	Memory        MemoryStats               `json:"memory"`
	Resolver      ResolverStatsResponse     `json:"resolver"`
	Nameservers   []NameserverStatsResponse `json:"nameservers"`
}
