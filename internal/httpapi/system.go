package httpapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo is the body of GET /system.
type SystemInfo struct {
	OS           string  `json:"os"`
	Architecture string  `json:"architecture"`
	Hostname     string  `json:"hostname"`
	Platform     string  `json:"platform"`
	NumCPU       int     `json:"numCpu"`
	GoVersion    string  `json:"goVersion"`
	AppUptime    int64   `json:"appUptimeSeconds"`
	CPUUsage     float64 `json:"cpuUsage"`
	MemoryTotal  uint64  `json:"memoryTotal"`
	MemoryUsed   uint64  `json:"memoryUsed"`
	MemoryUsage  float64 `json:"memoryUsage"`
	ProcessMemMB float64 `json:"processMemMb"`
	ProcessCPU   float64 `json:"processCpu"`
	Goroutines   int     `json:"goroutines"`
}

func (s *Server) getSystem(c echo.Context) error {
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return s.handleError(c, err, "failed to get memory information", http.StatusInternalServerError)
	}

	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		AppUptime:    int64(time.Since(s.startTime).Seconds()),
		MemoryTotal:  memInfo.Total,
		MemoryUsed:   memInfo.Used,
		MemoryUsage:  memInfo.UsedPercent,
		Goroutines:   runtime.NumGoroutine(),
	}
	if info.Hostname, err = os.Hostname(); err != nil {
		info.Hostname = "unknown"
	}
	if hostInfo, err := host.InfoWithContext(c.Request().Context()); err == nil {
		info.Platform = hostInfo.Platform
	}
	// Zero interval compares against the previous call instead of sampling.
	if pct, err := cpu.PercentWithContext(c.Request().Context(), 0, false); err == nil && len(pct) > 0 {
		info.CPUUsage = pct[0]
	}
	if proc, err := process.NewProcessWithContext(c.Request().Context(), int32(os.Getpid())); err == nil { //nolint:gosec // pid fits int32
		if procMem, err := proc.MemoryInfoWithContext(c.Request().Context()); err == nil {
			info.ProcessMemMB = float64(procMem.RSS) / 1024 / 1024
		}
		if procCPU, err := proc.CPUPercentWithContext(c.Request().Context()); err == nil {
			info.ProcessCPU = procCPU
		}
	}
	return c.JSON(http.StatusOK, info)
}
