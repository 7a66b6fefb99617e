// Package handler implements HTTP request handlers for the dashboard
package handler

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"connect-bridge/internal/core/domain"
	"connect-bridge/internal/core/services"
)

// HealthHandler reports the connection monitor snapshot plus host metrics.
type HealthHandler struct {
	monitor *services.ConnectionMonitor
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(monitor *services.ConnectionMonitor) *HealthHandler {
	return &HealthHandler{monitor: monitor}
}

// healthResponse is the /api/health payload.
type healthResponse struct {
	Subsystems map[domain.Subsystem]domain.SubsystemHealth `json:"subsystems"`
	System     systemMetrics                               `json:"system"`
}

// systemMetrics is host-level health data.
type systemMetrics struct {
	CPUPercent      float64 `json:"cpu_percent"`
	RAMUsedGB       float64 `json:"ram_used_gb"`
	RAMTotalGB      float64 `json:"ram_total_gb"`
	RAMPercent      float64 `json:"ram_percent"`
	DiskUsedGB      float64 `json:"disk_used_gb"`
	DiskTotalGB     float64 `json:"disk_total_gb"`
	DiskPercent     float64 `json:"disk_percent"`
	GoroutinesCount int     `json:"goroutines_count"`
}

// HandleHealth returns per-subsystem connection health and host metrics.
// GET /api/health
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var sys systemMetrics

	// CPU usage (average over 1 second)
	if cpuPercents, err := cpu.PercentWithContext(ctx, time.Second, false); err == nil && len(cpuPercents) > 0 {
		sys.CPUPercent = round2(cpuPercents[0])
	}

	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sys.RAMUsedGB = round2(float64(memStat.Used) / 1024 / 1024 / 1024)
		sys.RAMTotalGB = round2(float64(memStat.Total) / 1024 / 1024 / 1024)
		sys.RAMPercent = round2(memStat.UsedPercent)
	}

	if diskStat, err := disk.UsageWithContext(ctx, "."); err == nil {
		sys.DiskUsedGB = round2(float64(diskStat.Used) / 1024 / 1024 / 1024)
		sys.DiskTotalGB = round2(float64(diskStat.Total) / 1024 / 1024 / 1024)
		sys.DiskPercent = round2(diskStat.UsedPercent)
	}

	sys.GoroutinesCount = runtime.NumGoroutine()

	slog.Debug("Health snapshot served")
	WriteJSON(w, NewSuccessResponse(healthResponse{
		Subsystems: h.monitor.Snapshot(),
		System:     sys,
	}))
}

func round2(v float64) float64 {
	return float64(int(v*100)) / 100
}
