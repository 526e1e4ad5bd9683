package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"permitpay/internal/breaker"
	"permitpay/internal/repository"
)

type Handler struct {
	service *Service
	loggerf func(format string, args ...interface{})
}

func NewHandler(service *Service, loggerf func(format string, args ...interface{})) *Handler {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &Handler{service: service, loggerf: loggerf}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/payments/card", h.CreateCardPayment)
	rg.POST("/payments/oxxo", h.CreateOxxoPayment)
	rg.GET("/payments/:intent_id", h.GetPaymentIntent)
	rg.POST("/payments/:intent_id/confirm", h.ConfirmPaymentIntent)
}

// CreateCardPayment godoc
// @Summary      Create card payment intent
// @Description  Creates an idempotent card payment intent for a permit application
// @Tags         Payments
// @Accept       json
// @Produce      json
// @Param        body body PaymentRequest true "Payment payload"
// @Success      201 {object} PaymentIntentResult
// @Failure      400 {object} ErrorResponse
// @Failure      402 {object} ErrorResponse
// @Failure      429 {object} ErrorResponse
// @Failure      503 {object} ErrorResponse
// @Router       /payments/card [post]
func (h *Handler) CreateCardPayment(c *gin.Context) {
	h.createPayment(c, h.service.CreateCardPayment)
}

// CreateOxxoPayment godoc
// @Summary      Create OXXO cash payment intent
// @Description  Creates an idempotent OXXO voucher intent for a permit application
// @Tags         Payments
// @Accept       json
// @Produce      json
// @Param        body body PaymentRequest true "Payment payload"
// @Success      201 {object} PaymentIntentResult
// @Failure      400 {object} ErrorResponse
// @Failure      402 {object} ErrorResponse
// @Failure      429 {object} ErrorResponse
// @Failure      503 {object} ErrorResponse
// @Router       /payments/oxxo [post]
func (h *Handler) CreateOxxoPayment(c *gin.Context) {
	h.createPayment(c, h.service.CreateOxxoPayment)
}

func (h *Handler) createPayment(c *gin.Context, create func(context.Context, PaymentRequest) (*PaymentIntentResult, error)) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.loggerf("level=error msg=invalid payment payload err=%v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserIP = c.ClientIP()

	result, err := create(c.Request.Context(), req)
	if err != nil {
		h.renderPaymentError(c, req.ApplicationID, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// GetPaymentIntent godoc
// @Summary      Retrieve payment intent
// @Tags         Payments
// @Produce      json
// @Param        intent_id path string true "Payment intent ID"
// @Success      200 {object} PaymentIntentResult
// @Failure      404 {object} ErrorResponse
// @Failure      503 {object} ErrorResponse
// @Router       /payments/{intent_id} [get]
func (h *Handler) GetPaymentIntent(c *gin.Context) {
	result, err := h.service.RetrievePaymentIntent(c.Request.Context(), c.Param("intent_id"))
	if err != nil {
		h.renderPaymentError(c, 0, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ConfirmPaymentIntent godoc
// @Summary      Confirm payment intent
// @Tags         Payments
// @Produce      json
// @Param        intent_id path string true "Payment intent ID"
// @Success      200 {object} PaymentIntentResult
// @Failure      404 {object} ErrorResponse
// @Failure      503 {object} ErrorResponse
// @Router       /payments/{intent_id}/confirm [post]
func (h *Handler) ConfirmPaymentIntent(c *gin.Context) {
	result, err := h.service.ConfirmPaymentIntent(c.Request.Context(), c.Param("intent_id"))
	if err != nil {
		h.renderPaymentError(c, 0, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) renderPaymentError(c *gin.Context, applicationID int64, err error) {
	var secErr *SecurityRejection
	var payErr *PaymentError

	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Demasiados intentos de pago. Espere un momento."})
	case errors.As(err, &secErr):
		// Intentionally generic; the rejection detail stays in the logs.
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": secErr.UserMessage()})
	case errors.As(err, &payErr):
		h.loggerf("level=warn msg=payment declined application_id=%d code=%s err=%v", applicationID, payErr.Code, err)
		c.JSON(http.StatusPaymentRequired, gin.H{"error": payErr.UserMessage()})
	case errors.Is(err, breaker.ErrOpen):
		h.loggerf("level=warn msg=payment rejected by open breaker application_id=%d err=%v", applicationID, err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "El servicio de pagos no está disponible. Intente más tarde."})
	case errors.Is(err, repository.ErrOpenOrderExists):
		c.JSON(http.StatusConflict, gin.H{"error": "Ya existe un pago en curso para esta solicitud."})
	default:
		h.loggerf("level=error msg=payment request failed application_id=%d err=%v", applicationID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
