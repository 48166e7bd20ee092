// Package httpapi exposes the admin API over gin: schedule configuration,
// audit queries, products and a manual tick.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autodown/internal/autodown"
	"autodown/internal/notifier"
	"autodown/internal/product"
	"autodown/internal/trigger"
	logx "autodown/pkg/logx"

	"github.com/gin-gonic/gin"
)

const (
	operatorHeader  = "X-Operator"
	defaultOperator = "api"
)

// Runner executes one tick. *autodown.Engine implements it.
type Runner interface {
	Run(ctx context.Context) (autodown.Result, error)
}

// Handler serves the admin routes. Trigger and Notifier are optional.
type Handler struct {
	Service  *autodown.Service
	Engine   Runner
	Catalog  *product.Catalog
	Trigger  *trigger.Service
	Notifier *notifier.Service
	Clock    autodown.Clock
	Log      logx.Logger
}

// RouterOptions toggles router-wide behavior.
type RouterOptions struct {
	// Token, when set, is required as a bearer token on /api and /debug routes.
	Token string
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool
}

// NewRouter builds the gin engine.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if h.Log.IsZero() {
		h.Log = logx.Nop()
	}
	if h.Clock == nil {
		h.Clock = autodown.SystemClock
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(h.Log))

	r.GET("/healthz", h.Health)

	protected := r.Group("/")
	if token := strings.TrimSpace(opts.Token); token != "" {
		protected.Use(bearerAuth(token))
	}
	if opts.Pprof {
		mountPprof(protected)
	}

	api := protected.Group("/api")
	{
		api.GET("/schedules/:target", h.GetSchedule)
		api.PUT("/schedules/:target", h.PutSchedule)
		api.DELETE("/schedules/:target", h.DeleteSchedule)
		api.GET("/audit", h.ListAudit)
		api.GET("/audit/counts", h.AuditCounts)
		api.GET("/actions", h.ListActions)
		api.POST("/run", h.Run)
		api.GET("/status", h.Status)
		api.GET("/products", h.ListProducts)
		api.POST("/products", h.CreateProduct)
		api.GET("/products/:target", h.GetProduct)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) GetSchedule(c *gin.Context) {
	id, ok := targetParam(c)
	if !ok {
		return
	}
	sch, found, err := h.Service.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no schedule for target"})
		return
	}
	c.JSON(http.StatusOK, sch)
}

type putScheduleRequest struct {
	DueAt *time.Time `json:"due_at"`
	// DueIn is a Go duration relative to now, e.g. "72h". Ignored when DueAt is set.
	DueIn string `json:"due_in"`
}

func (h *Handler) PutSchedule(c *gin.Context) {
	id, ok := targetParam(c)
	if !ok {
		return
	}
	var req putScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var dueAt time.Time
	switch {
	case req.DueAt != nil:
		dueAt = *req.DueAt
	case strings.TrimSpace(req.DueIn) != "":
		d, err := time.ParseDuration(strings.TrimSpace(req.DueIn))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "due_in: " + err.Error()})
			return
		}
		dueAt = h.Clock.Now().Add(d)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "due_at or due_in is required"})
		return
	}

	sch, err := h.Service.Configure(h.actorContext(c), id, dueAt)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sch)
}

func (h *Handler) DeleteSchedule(c *gin.Context) {
	id, ok := targetParam(c)
	if !ok {
		return
	}
	canceled, err := h.Service.Cancel(h.actorContext(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": canceled})
}

// ListAudit filters by the first of target, schedule or action that is set.
func (h *Handler) ListAudit(c *gin.Context) {
	ctx := c.Request.Context()
	limit, err := intQuery(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	audit := h.Service.Audit()

	var entries []autodown.AuditEntry
	switch {
	case c.Query("target") != "":
		id, perr := strconv.ParseInt(c.Query("target"), 10, 64)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "target must be an integer"})
			return
		}
		entries, err = audit.ByTarget(ctx, id, limit)
	case c.Query("schedule") != "":
		entries, err = audit.BySchedule(ctx, c.Query("schedule"), limit)
	case c.Query("action") != "":
		action, perr := autodown.ParseAction(c.Query("action"))
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": perr.Error()})
			return
		}
		entries, err = audit.ByAction(ctx, action, limit)
	default:
		entries, err = audit.Recent(ctx, limit)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []autodown.AuditEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) AuditCounts(c *gin.Context) {
	counts, err := h.Service.Audit().CountsByAction(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make(map[string]int, len(counts))
	for a, n := range counts {
		out[a.String()] = n
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) ListActions(c *gin.Context) {
	c.JSON(http.StatusOK, autodown.ActionItems())
}

// Run executes one tick synchronously. A failed tick still returns its
// partial result alongside the error.
func (h *Handler) Run(c *gin.Context) {
	res, err := h.Engine.Run(h.actorContext(c))
	if errors.Is(err, autodown.ErrTickInProgress) {
		h.fail(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	now := h.Clock.Now()
	due, err := h.Service.CountDue(ctx, now)
	if err != nil {
		h.fail(c, err)
		return
	}
	active, err := h.Service.CountActive(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := gin.H{"now": now, "due": due, "active": active}
	if h.Trigger != nil {
		out["trigger"] = h.Trigger.Snapshot()
	}
	if h.Notifier != nil {
		out["notifier"] = gin.H{"enabled": h.Notifier.Enabled(), "stats": h.Notifier.Stats()}
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) ListProducts(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ps, err := h.Catalog.List(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ps == nil {
		ps = []product.Product{}
	}
	c.JSON(http.StatusOK, ps)
}

func (h *Handler) CreateProduct(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := h.Catalog.Create(c.Request.Context(), req.Name)
	if err != nil {
		if errors.Is(err, product.ErrInvalidName) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProduct(c *gin.Context) {
	id, ok := targetParam(c)
	if !ok {
		return
	}
	p, err := h.Catalog.Get(c.Request.Context(), id)
	if errors.Is(err, product.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// fail maps domain errors to status codes. Unknown errors are 500s.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, autodown.ErrTargetNotFound):
		status = http.StatusNotFound
	case errors.Is(err, autodown.ErrInvalidDueAt), errors.Is(err, autodown.ErrInvalidAction):
		status = http.StatusBadRequest
	case autodown.IsRetryable(err), errors.Is(err, autodown.ErrTickInProgress):
		status = http.StatusConflict
	case errors.Is(err, autodown.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		h.Log.Error("admin api request failed", logx.String("path", c.FullPath()), logx.Err(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "retryable": autodown.IsRetryable(err)})
}

func (h *Handler) actorContext(c *gin.Context) context.Context {
	op := strings.TrimSpace(c.GetHeader(operatorHeader))
	if op == "" {
		op = defaultOperator
	}
	return autodown.WithActor(c.Request.Context(), op)
}

func targetParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("target"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target must be a positive integer"})
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
