package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ResourceGuard is the admission emergency brake: static limits only, no
// auto-tuning. A connection is rejected when the server is already at its
// configured connection ceiling or the CPU is past the reject threshold.
type ResourceGuard struct {
	maxConnections     int
	cpuRejectThreshold float64

	currentConns atomic.Int64
	currentCPU   atomic.Value // float64

	logger zerolog.Logger
}

// ResourceGuardConfig holds the static limits.
type ResourceGuardConfig struct {
	MaxConnections     int
	CPURejectThreshold float64
	Logger             zerolog.Logger
}

func NewResourceGuard(config ResourceGuardConfig) *ResourceGuard {
	if config.MaxConnections == 0 {
		config.MaxConnections = 2000
	}
	if config.CPURejectThreshold == 0 {
		config.CPURejectThreshold = 85.0
	}
	rg := &ResourceGuard{
		maxConnections:     config.MaxConnections,
		cpuRejectThreshold: config.CPURejectThreshold,
		logger:             config.Logger.With().Str("component", "resource_guard").Logger(),
	}
	rg.currentCPU.Store(0.0)

	rg.logger.Info().
		Int("max_connections", config.MaxConnections).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Msg("Resource guard initialized")
	return rg
}

// ConnectionOpened records an accepted connection. Pair with
// ConnectionClosed on teardown.
func (rg *ResourceGuard) ConnectionOpened() { rg.currentConns.Add(1) }

// ConnectionClosed records a finished connection.
func (rg *ResourceGuard) ConnectionClosed() { rg.currentConns.Add(-1) }

// Connections returns the current connection count.
func (rg *ResourceGuard) Connections() int64 { return rg.currentConns.Load() }

// ShouldAccept decides whether a new connection may be admitted.
func (rg *ResourceGuard) ShouldAccept() (accept bool, reason string) {
	conns := rg.currentConns.Load()
	if conns >= int64(rg.maxConnections) {
		rg.logger.Debug().
			Int64("current_conns", conns).
			Int("max_conns", rg.maxConnections).
			Msg("Connection rejected: at max connections")
		return false, fmt.Sprintf("at max connections (%d)", rg.maxConnections)
	}

	cpuPct := rg.currentCPU.Load().(float64)
	if cpuPct > rg.cpuRejectThreshold {
		rg.logger.Debug().
			Float64("cpu_percent", cpuPct).
			Float64("threshold", rg.cpuRejectThreshold).
			Msg("Connection rejected: CPU overload")
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPct, rg.cpuRejectThreshold)
	}

	return true, "OK"
}

// StartMonitoring samples CPU usage on the interval until ctx is done. The
// 1-second cpu.Percent window blocks, so the sampler runs in its own
// goroutine.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rg.sample(ctx)
			case <-ctx.Done():
				rg.logger.Info().Msg("Resource guard monitoring stopped")
				return
			}
		}
	}()
	rg.logger.Info().Dur("interval", interval).Msg("Resource guard monitoring started")
}

func (rg *ResourceGuard) sample(ctx context.Context) {
	pcts, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil || len(pcts) == 0 {
		rg.logger.Warn().Err(err).Msg("Failed to sample CPU usage")
		return
	}
	rg.currentCPU.Store(pcts[0])

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rg.logger.Debug().
		Float64("cpu_percent", pcts[0]).
		Uint64("heap_alloc_mb", mem.Alloc/(1024*1024)).
		Int64("connections", rg.currentConns.Load()).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("Resource state updated")
}
