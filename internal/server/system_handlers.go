package server

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/di"
	"github.com/aristath/tally/internal/utils"
)

// SystemHandlers serves host and storage diagnostics
type SystemHandlers struct {
	container *di.Container
	dataDir   string
	startedAt time.Time
	log       zerolog.Logger
}

// NewSystemHandlers creates new system handlers
func NewSystemHandlers(container *di.Container, dataDir string, log zerolog.Logger) *SystemHandlers {
	return &SystemHandlers{
		container: container,
		dataDir:   dataDir,
		startedAt: time.Now(),
		log:       log.With().Str("handler", "system").Logger(),
	}
}

// SystemStatusResponse represents the host and process status
type SystemStatusResponse struct {
	Status         string  `json:"status"`
	Uptime         string  `json:"uptime"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	DiskFreeMB     float64 `json:"disk_free_mb"`
	DiskUsedPct    float64 `json:"disk_used_percent"`
	Goroutines     int     `json:"goroutines"`
	WorkTypes      int     `json:"work_types"`
	BackupsEnabled bool    `json:"backups_enabled"`
}

// DBInfo represents information about a single database
type DBInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
	*database.Stats
	SizeMB float64 `json:"size_mb"`
}

// HandleSystemStatus returns host resource usage and process state
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats(r.Context())

	response := SystemStatusResponse{
		Status:         "healthy",
		Uptime:         time.Since(h.startedAt).Truncate(time.Second).String(),
		CPUPercent:     cpuPercent,
		MemoryPercent:  memPercent,
		Goroutines:     runtime.NumGoroutine(),
		BackupsEnabled: h.container.BackupService != nil,
	}
	if h.container.WorkRegistry != nil {
		response.WorkTypes = h.container.WorkRegistry.Count()
	}

	usage, err := disk.UsageWithContext(r.Context(), h.dataDir)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read disk usage")
	} else {
		response.DiskFreeMB = float64(usage.Free) / 1024 / 1024
		response.DiskUsedPct = usage.UsedPercent
	}

	utils.WriteData(w, http.StatusOK, response)
}

// HandleDatabaseStats returns size and page statistics of every database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	infos := []DBInfo{}
	for name, db := range h.container.Databases() {
		if db == nil {
			continue
		}
		stats, err := db.GetStats()
		if err != nil {
			utils.WriteError(w, h.log, err)
			return
		}
		infos = append(infos, DBInfo{
			Name:   name,
			Path:   db.Path(),
			Stats:  stats,
			SizeMB: float64(stats.SizeBytes+stats.WALSizeBytes) / 1024 / 1024,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	utils.WriteData(w, http.StatusOK, infos)
}

// HandleListBackups lists uploaded ledger backups, newest first
func (h *SystemHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.container.BackupService == nil {
		utils.WriteError(w, h.log, apperrors.NotAllowed("backups are not configured"))
		return
	}
	backups, err := h.container.BackupService.ListBackups(r.Context())
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, backups)
}

// HandleRunBackup snapshots and uploads the ledger immediately
func (h *SystemHandlers) HandleRunBackup(w http.ResponseWriter, r *http.Request) {
	if h.container.BackupService == nil {
		utils.WriteError(w, h.log, apperrors.NotAllowed("backups are not configured"))
		return
	}
	if err := h.container.BackupService.RunBackup(r.Context()); err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleVerifyBackup restores the newest backup to a scratch file and checks it
func (h *SystemHandlers) HandleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	if h.container.BackupService == nil {
		utils.WriteError(w, h.log, apperrors.NotAllowed("backups are not configured"))
		return
	}
	info, err := h.container.BackupService.VerifyLatest(r.Context())
	if err != nil {
		utils.WriteError(w, h.log, err)
		return
	}
	utils.WriteData(w, http.StatusOK, info)
}

// getSystemStats samples CPU over a short window so the request stays fast
func (h *SystemHandlers) getSystemStats(ctx context.Context) (float64, float64) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuPercent[0], 0
	}

	return cpuPercent[0], memStat.UsedPercent
}
