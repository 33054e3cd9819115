package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jroosing/stubresolver/internal/statsserver/models"
)

// Health godoc
// @Summary Health check
// @Description Returns stats server health status
// @Tags system
// @Produce json
// @Success 200 {object} models.StatusResponse
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{Status: "ok"})
}

// Stats godoc
// @Summary Resolver statistics
// @Description Returns runtime statistics including system CPU/memory usage and per-nameserver health
// @Tags system
// @Produce json
// @Success 200 {object} models.ServerStatsResponse
// @Security ApiKeyAuth
// @Router /stats [get]
func (h *Handler) Stats(c *gin.Context) {
	uptime := time.Since(h.startTime)

	memStats := models.MemoryStats{}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vmStat.Total) / 1024 / 1024
		memStats.FreeMB = float64(vmStat.Available) / 1024 / 1024
		memStats.UsedMB = float64(vmStat.Used) / 1024 / 1024
		memStats.UsedPercent = vmStat.UsedPercent
	}

	cpuStats := models.CPUStats{NumCPU: runtime.NumCPU()}
	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		cpuStats.UsedPercent = cpuPercent[0]
		cpuStats.IdlePercent = 100.0 - cpuPercent[0]
	}

	snap := h.agg.Snapshot()
	now := time.Now()
	nsResp := make([]models.NameserverStatsResponse, 0, len(snap.Nameservers))
	for _, ns := range snap.Nameservers {
		nsResp = append(nsResp, models.NameserverStatsResponse{
			Nameserver:    ns.Nameserver.String(),
			Attempts:      ns.Attempts,
			Successes:     ns.Successes,
			Failures:      ns.Failures,
			UDPAttempts:   ns.UDPAttempts,
			TCPAttempts:   ns.TCPAttempts,
			WeightedRTTMs: float64(ns.WeightedRTT.Microseconds()) / 1000,
			Healthy:       ns.Healthy(now),
		})
	}

	resp := models.ServerStatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		CPU:           cpuStats,
		Memory:        memStats,
		Resolver: models.ResolverStatsResponse{
			QueriesTotal: snap.Queries,
			QueriesUDP:   snap.QueriesUDP,
			QueriesTCP:   snap.QueriesTCP,
			ResponsesNX:  snap.ResponsesNX,
			ResponsesErr: snap.ResponsesErr,
			AvgLatencyMs: snap.AvgLatencyMs,
		},
		Nameservers: nsResp,
	}

	c.JSON(http.StatusOK, resp)
}
