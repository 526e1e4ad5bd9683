package recovery

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"permitpay/internal/breaker"
	"permitpay/internal/modules/webhook"
)

type Handler struct {
	service   *Service
	breakers  *breaker.Registry
	scheduler *webhook.Scheduler
	loggerf   func(format string, args ...interface{})
}

func NewHandler(service *Service, breakers *breaker.Registry, scheduler *webhook.Scheduler, loggerf func(format string, args ...interface{})) *Handler {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &Handler{service: service, breakers: breakers, scheduler: scheduler, loggerf: loggerf}
}

func (h *Handler) RegisterAdminRoutes(rg *gin.RouterGroup) {
	rg.POST("/payments/:application_id/reconcile", h.Reconcile)
	rg.POST("/payments/recover", h.Recover)
	rg.GET("/payments/recovery-status", h.RecoveryStatus)
	rg.GET("/payments/stats", h.Stats)
}

func (h *Handler) RegisterInternalRoutes(rg *gin.RouterGroup) {
	rg.POST("/recovery/sweep", h.Sweep)
}

type recoverRequest struct {
	ApplicationID int64  `json:"application_id" binding:"required"`
	IntentID      string `json:"intent_id" binding:"required"`
}

// Reconcile godoc
// @Summary      Reconcile application payment state with the provider
// @Tags         Admin
// @Security     BearerAuth
// @Produce      json
// @Param        application_id path int true "Application ID"
// @Success      200 {object} ReconcileResult
// @Failure      400 {object} map[string]string
// @Router       /admin/payments/{application_id}/reconcile [post]
func (h *Handler) Reconcile(c *gin.Context) {
	appID, err := strconv.ParseInt(c.Param("application_id"), 10, 64)
	if err != nil || appID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid application id"})
		return
	}
	c.JSON(http.StatusOK, h.service.ReconcilePaymentStatus(c.Request.Context(), appID))
}

// Recover godoc
// @Summary      Run one recovery pass for a stuck payment
// @Tags         Admin
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        body body recoverRequest true "Target payment"
// @Success      200 {object} Result
// @Failure      400 {object} map[string]string
// @Router       /admin/payments/recover [post]
func (h *Handler) Recover(c *gin.Context) {
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := h.service.AttemptPaymentRecovery(c.Request.Context(), req.ApplicationID, req.IntentID)
	h.loggerf("level=info msg=manual recovery requested application_id=%d intent_id=%s success=%t reason=%s",
		req.ApplicationID, req.IntentID, res.Success, res.Reason)
	c.JSON(http.StatusOK, res)
}

// RecoveryStatus godoc
// @Summary      Recovery audit state for a payment
// @Tags         Admin
// @Security     BearerAuth
// @Produce      json
// @Param        application_id query int true "Application ID"
// @Param        intent_id query string true "Payment intent ID"
// @Success      200 {object} Status
// @Failure      400 {object} map[string]string
// @Failure      404 {object} map[string]string
// @Router       /admin/payments/recovery-status [get]
func (h *Handler) RecoveryStatus(c *gin.Context) {
	appID, err := strconv.ParseInt(c.Query("application_id"), 10, 64)
	intentID := c.Query("intent_id")
	if err != nil || appID <= 0 || intentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "application_id and intent_id are required"})
		return
	}
	st, err := h.service.GetRecoveryStatus(c.Request.Context(), appID, intentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// Stats godoc
// @Summary      Payment reliability statistics
// @Description  Circuit breaker states, webhook retry queue and pending recovery re-checks
// @Tags         Admin
// @Security     BearerAuth
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Router       /admin/payments/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	out := gin.H{
		"pending_rechecks": h.service.PendingRechecks(),
	}
	if h.breakers != nil {
		out["circuit_breakers"] = h.breakers.Snapshot()
	}
	if h.scheduler != nil {
		out["webhook_retries"] = h.scheduler.GetRetryStats()
	}
	c.JSON(http.StatusOK, out)
}

type sweepRequest struct {
	OlderThanMinutes int `json:"older_than_minutes"`
	Limit            int `json:"limit"`
}

// Sweep godoc
// @Summary      Recover all stuck payment orders
// @Description  Internal endpoint driven by the scheduled sweep job
// @Tags         Internal
// @Accept       json
// @Produce      json
// @Success      200 {object} map[string]int
// @Failure      500 {object} map[string]string
// @Router       /internal/recovery/sweep [post]
func (h *Handler) Sweep(c *gin.Context) {
	req := sweepRequest{OlderThanMinutes: 30, Limit: 100}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.OlderThanMinutes <= 0 {
		req.OlderThanMinutes = 30
	}
	if req.Limit <= 0 {
		req.Limit = 100
	}

	n, err := h.service.SweepStuck(c.Request.Context(), time.Duration(req.OlderThanMinutes)*time.Minute, req.Limit)
	if err != nil {
		h.loggerf("level=error msg=recovery sweep failed err=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"swept": n})
}
