// Package api serves the lifecycle operations over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/backend"
	"github.com/elpendex123/ec2-creator-local/internal/lifecycle"
	"github.com/elpendex123/ec2-creator-local/internal/models"
)

// Service is the part of the orchestrator the HTTP layer calls.
type Service interface {
	Provision(ctx context.Context, spec models.CreateSpec) (*models.Instance, error)
	List(ctx context.Context) ([]*models.Instance, error)
	Get(ctx context.Context, id string) (*models.Instance, error)
	Start(ctx context.Context, id string) (*models.Instance, error)
	Stop(ctx context.Context, id string) (*models.Instance, error)
	Destroy(ctx context.Context, id string) error
	Refresh(ctx context.Context, id string) (lifecycle.Drift, error)
	Orphans(ctx context.Context, backend string) ([]models.Observed, error)
}

type Options struct {
	Logger *zap.Logger
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	// Sims get chaos endpoints.
	Sims []*backend.Sim
}

type Handler struct {
	svc    Service
	sims   map[string]*backend.Sim
	logger *zap.Logger
}

// New builds the echo instance with every route registered.
func New(svc Service, opts Options) *echo.Echo {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Handler{
		svc:    svc,
		sims:   make(map[string]*backend.Sim, len(opts.Sims)),
		logger: opts.Logger.Named("http"),
	}
	for _, s := range opts.Sims {
		h.sims[s.Name()] = s
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			h.logger.Info("request",
				zap.String("method", v.Method),
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/health", h.health)
	e.POST("/instances", h.create)
	e.GET("/instances", h.list)
	e.GET("/instances/:id", h.get)
	e.POST("/instances/:id/start", h.start)
	e.POST("/instances/:id/stop", h.stop)
	e.DELETE("/instances/:id", h.destroy)
	e.POST("/instances/:id/refresh", h.refresh)
	e.GET("/backends/:name/orphans", h.orphans)

	if opts.Gatherer != nil {
		RegisterMetrics(e, opts.Gatherer)
	}
	if len(h.sims) > 0 {
		h.registerChaos(e)
	}
	return e
}

// StatusOf maps an orchestrator error to its HTTP status.
func StatusOf(err error) int {
	switch lifecycle.KindOf(err) {
	case lifecycle.KindValidation, lifecycle.KindEligibilityRejected:
		return http.StatusBadRequest
	case lifecycle.KindNotFound:
		return http.StatusNotFound
	case lifecycle.KindConflict:
		return http.StatusConflict
	case lifecycle.KindBackendTimeout:
		return http.StatusGatewayTimeout
	case lifecycle.KindBackendUnavailable, lifecycle.KindBackendExecution, lifecycle.KindBackendParse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("URI", c.Request().RequestURI), zap.Error(err))
	}
	resp := ErrorResponse{Error: err.Error()}
	var le *lifecycle.Error
	if errors.As(err, &le) {
		resp.Kind = le.Kind.String()
	}
	return c.JSON(status, resp)
}

func (h *Handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid JSON payload", Kind: lifecycle.KindValidation.String()})
	}
	inst, err := h.svc.Provision(c.Request().Context(), req.spec())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, toInstance(inst))
}

func (h *Handler) list(c echo.Context) error {
	list, err := h.svc.List(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	resp := ListResponse{Instances: make([]Instance, 0, len(list))}
	for _, inst := range list {
		resp.Instances = append(resp.Instances, toInstance(inst))
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) get(c echo.Context) error {
	inst, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, toInstance(inst))
}

func (h *Handler) start(c echo.Context) error {
	inst, err := h.svc.Start(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, toInstance(inst))
}

func (h *Handler) stop(c echo.Context) error {
	inst, err := h.svc.Stop(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, toInstance(inst))
}

func (h *Handler) destroy(c echo.Context) error {
	if err := h.svc.Destroy(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) refresh(c echo.Context) error {
	d, err := h.svc.Refresh(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, toDrift(d))
}

func (h *Handler) orphans(c echo.Context) error {
	name := c.Param("name")
	orphans, err := h.svc.Orphans(c.Request().Context(), name)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, OrphansResponse{Backend: name, Orphans: orphans})
}
