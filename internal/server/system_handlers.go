package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/portfolium/portfolium/internal/database"
)

// SystemHandlers serves daemon health and resource usage endpoints.
type SystemHandlers struct {
	log         zerolog.Logger
	startupTime time.Time
	stateDB     *database.DB
	cacheDB     *database.DB
}

// NewSystemHandlers creates a system handlers instance.
func NewSystemHandlers(log zerolog.Logger, stateDB, cacheDB *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:         log.With().Str("component", "system_handlers").Logger(),
		startupTime: time.Now(),
		stateDB:     stateDB,
		cacheDB:     cacheDB,
	}
}

// HandleHealth is the liveness endpoint: state database reachable means ok.
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if h.stateDB != nil {
		if err := h.stateDB.HealthCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Msg("State database health check failed")
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}

// HandleSystemStatus reports daemon uptime, process and host resource usage
// and database statistics.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"uptime_seconds": int(time.Since(h.startupTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory"] = map[string]interface{}{
			"total":        vm.Total,
			"available":    vm.Available,
			"used_percent": vm.UsedPercent,
		}
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			resp["process_rss"] = memInfo.RSS
		}
	}

	databases := map[string]interface{}{}
	for name, db := range map[string]*database.DB{"state": h.stateDB, "cache": h.cacheDB} {
		if db == nil {
			continue
		}
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", name).Msg("Failed to collect database stats")
			continue
		}
		databases[name] = stats
	}
	resp["databases"] = databases

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode system status")
	}
}
