package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/version"
)

const (
	healthOK          = "ok"
	healthDegraded    = "degraded"
	healthUnavailable = "unavailable"
)

func (s *Server) handleHealth(c *echo.Context) error {
	resp := HealthResponse{
		Status:      healthOK,
		Version:     version.Resolve(),
		Engines:     []engine.Status{},
		OpenStreams: s.open.Load(),
	}
	if s.dev != nil {
		resp.Device = s.dev.Properties()
		if status, err := s.dev.Status(); err != nil {
			resp.MemoryErr = err.Error()
			resp.Status = healthDegraded
		} else {
			resp.Memory = &status
		}
		resp.Allocators = AllocatorStats{
			Device: s.dev.Allocator().Stats(),
			Host:   s.dev.HostAllocator().Stats(),
		}
	}
	for _, e := range []Engine{s.gen, s.emb} {
		if e == nil {
			continue
		}
		st := e.Status()
		resp.Engines = append(resp.Engines, st)
		switch st.State {
		case engine.Quarantined, engine.Stopped:
			resp.Status = healthUnavailable
		case engine.Degraded:
			if resp.Status == healthOK {
				resp.Status = healthDegraded
			}
		}
	}

	code := http.StatusOK
	if resp.Status == healthUnavailable {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}
