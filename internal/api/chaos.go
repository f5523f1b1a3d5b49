package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/backend"
)

type chaosRequest struct {
	// Backend names the sim; empty selects "sim".
	Backend   string `json:"backend"`
	LatencyMs int    `json:"latency_ms"`
	Op        string `json:"op"`
	Detail    string `json:"detail"`
}

func (h *Handler) registerChaos(e *echo.Echo) {
	g := e.Group("/chaos")
	g.POST("/partition", h.partition)
	g.POST("/heal", h.heal)
	g.POST("/latency", h.latency)
	g.POST("/fail", h.failNext)
}

// sim decodes the body and resolves the target sim, writing the error
// response itself when it returns nil.
func (h *Handler) sim(c echo.Context) (*backend.Sim, chaosRequest, error) {
	var req chaosRequest
	if err := c.Bind(&req); err != nil {
		return nil, req, c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid JSON payload"})
	}
	if req.Backend == "" {
		req.Backend = "sim"
	}
	s, ok := h.sims[req.Backend]
	if !ok {
		return nil, req, c.JSON(http.StatusNotFound, ErrorResponse{Error: "no simulated backend " + req.Backend})
	}
	return s, req, nil
}

func (h *Handler) partition(c echo.Context) error {
	s, req, err := h.sim(c)
	if s == nil {
		return err
	}
	s.Partition()
	h.logger.Warn("chaos: backend partitioned", zap.String("backend", req.Backend))
	return c.JSON(http.StatusOK, map[string]string{"status": "partitioned", "backend": req.Backend})
}

func (h *Handler) heal(c echo.Context) error {
	s, req, err := h.sim(c)
	if s == nil {
		return err
	}
	s.Heal()
	h.logger.Info("chaos: backend healed", zap.String("backend", req.Backend))
	return c.JSON(http.StatusOK, map[string]string{"status": "healed", "backend": req.Backend})
}

func (h *Handler) latency(c echo.Context) error {
	s, req, err := h.sim(c)
	if s == nil {
		return err
	}
	if req.LatencyMs < 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "latency_ms must be non-negative"})
	}
	s.SetLatency(time.Duration(req.LatencyMs) * time.Millisecond)
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "latency_set",
		"backend":    req.Backend,
		"latency_ms": req.LatencyMs,
	})
}

func (h *Handler) failNext(c echo.Context) error {
	s, req, err := h.sim(c)
	if s == nil {
		return err
	}
	switch req.Op {
	case "create", "list", "lookup", "start", "stop", "destroy":
	default:
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "op must be one of create, list, lookup, start, stop, destroy"})
	}
	if req.Detail == "" {
		req.Detail = "injected failure"
	}
	s.FailNext(req.Op, req.Detail)
	return c.JSON(http.StatusOK, map[string]string{"status": "armed", "backend": req.Backend, "op": req.Op})
}
