package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"rinha-payment-pipeline/internal/cache"
	"rinha-payment-pipeline/internal/payment"
	"rinha-payment-pipeline/internal/repository"
	"rinha-payment-pipeline/internal/usecase"
)

type Admitter interface {
	Submit(ctx context.Context, correlationID string, amount decimal.Decimal) (usecase.AdmissionResult, error)
}

type Reader interface {
	Summary(ctx context.Context, rng repository.Range) (*payment.Summary, error)
	Payment(ctx context.Context, correlationID string) (*repository.Entry, error)
}

type Auditor interface {
	Diff(ctx context.Context, rng repository.Range) (*usecase.DiffReport, error)
	Duplicates(ctx context.Context, rng repository.Range) (*usecase.DuplicateReport, error)
}

type Purger interface {
	Purge(ctx context.Context) error
}

type HealthReader interface {
	Read(ctx context.Context) ([]cache.ProcessorStatus, error)
	BestProcessor(ctx context.Context) (payment.Processor, error)
}

// Dependencies of the HTTP front door. Health may be nil.
type Dependencies struct {
	Admission Admitter
	Reader    Reader
	Auditor   Auditor
	Purger    Purger
	Health    HealthReader
}

type Handler struct {
	deps Dependencies
	log  logr.Logger
}

func New(deps Dependencies, log logr.Logger) *Handler {
	return &Handler{deps: deps, log: log.WithName("http")}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.accessLog())

	router.POST("/payments", h.SubmitPayment)
	router.GET("/payments/:correlationId", h.GetPayment)
	router.GET("/payments-summary", h.GetPaymentsSummary)
	router.POST("/purge-payments", h.PurgePayments)
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := router.Group("/admin")
	{
		admin.GET("/payments-diff", h.GetPaymentsDiff)
		admin.GET("/payments-duplicates", h.GetPaymentsDuplicates)
	}
	return router
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		kv := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
		}
		if status >= http.StatusInternalServerError {
			h.log.Info("HTTP_ERROR", append(kv, "ip", c.ClientIP())...)
			return
		}
		h.log.V(1).Info("HTTP_OK", kv...)
	}
}

type paymentRequest struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
}

func (h *Handler) SubmitPayment(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.deps.Admission.Submit(c.Request.Context(), req.CorrelationID, req.Amount)
	if err != nil {
		h.log.Error(err, "ADMISSION_FAILED", "correlationId", req.CorrelationID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	switch result {
	case usecase.Accepted:
		c.JSON(http.StatusAccepted, gin.H{"correlationId": req.CorrelationID, "status": result.String()})
	case usecase.Duplicate:
		c.JSON(http.StatusOK, gin.H{"correlationId": req.CorrelationID, "status": "already_processed"})
	case usecase.Conflict:
		c.JSON(http.StatusConflict, gin.H{"error": "payment already in progress"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "correlationId and a positive amount are required"})
	}
}

func (h *Handler) GetPayment(c *gin.Context) {
	entry, err := h.deps.Reader.Payment(c.Request.Context(), c.Param("correlationId"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if err != nil {
		h.internalError(c, err, "PAYMENT_LOOKUP_FAILED")
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) GetPaymentsSummary(c *gin.Context) {
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	summary, err := h.deps.Reader.Summary(c.Request.Context(), rng)
	if !h.checkReadError(c, err, "SUMMARY_FAILED") {
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) GetPaymentsDiff(c *gin.Context) {
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	report, err := h.deps.Auditor.Diff(c.Request.Context(), rng)
	if !h.checkReadError(c, err, "DIFF_FAILED") {
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) GetPaymentsDuplicates(c *gin.Context) {
	rng, ok := parseRange(c)
	if !ok {
		return
	}
	report, err := h.deps.Auditor.Duplicates(c.Request.Context(), rng)
	if !h.checkReadError(c, err, "DUPLICATES_FAILED") {
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) PurgePayments(c *gin.Context) {
	if err := h.deps.Purger.Purge(c.Request.Context()); err != nil {
		h.internalError(c, err, "PURGE_FAILED")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.deps.Health != nil {
		ctx := c.Request.Context()
		statuses, err := h.deps.Health.Read(ctx)
		if err != nil {
			h.log.Error(err, "HEALTH_CACHE_READ_FAILED")
		} else {
			resp["processors"] = statuses
		}
		if best, err := h.deps.Health.BestProcessor(ctx); err != nil {
			h.log.Error(err, "HEALTH_CACHE_READ_FAILED")
		} else if best != "" {
			resp["best"] = best
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) checkReadError(c *gin.Context, err error, event string) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, usecase.ErrInvalidRange) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	h.internalError(c, err, event)
	return false
}

func (h *Handler) internalError(c *gin.Context, err error, event string) {
	h.log.Error(err, event)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// parseRange reads the optional from/to query bounds. It writes a 400 and
// returns false when a bound is present but malformed.
func parseRange(c *gin.Context) (repository.Range, bool) {
	var rng repository.Range
	for _, b := range []struct {
		name string
		dst  **time.Time
	}{
		{"from", &rng.From},
		{"to", &rng.To},
	} {
		raw := c.Query(b.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + b.name + " date format"})
			return rng, false
		}
		*b.dst = &t
	}
	return rng, true
}
