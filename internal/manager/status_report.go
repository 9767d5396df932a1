package manager

import (
	"time"

	"predictd/pkg/types"
)

// Health values reported by Status.
const (
	HealthHealthy   = "healthy"
	HealthPartial   = "partial"
	HealthUnhealthy = "unhealthy"
)

// Status builds a detailed status response for /ping and /status.
func (m *Manager) Status() types.StatusResponse {
	ready, loading, failed := m.reg.Counts()
	pools := m.pools.Status()
	resp := types.StatusResponse{
		ReadyModels:    ready,
		LoadingModels:  loading,
		FailedModels:   failed,
		Models:         m.reg.List(),
		Pools:          pools,
		Inflight:       m.inflight.Load(),
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	for _, p := range pools {
		resp.BusyWorkers += p.Busy
		resp.IdleWorkers += p.Idle
	}
	switch {
	case m.closed.Load():
		resp.Status = HealthUnhealthy
	case failed > 0 && ready == 0:
		resp.Status = HealthUnhealthy
	case failed > 0 || !m.Ready():
		resp.Status = HealthPartial
	default:
		resp.Status = HealthHealthy
	}
	return resp
}
