package webhook

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"permitpay/internal/provider"
)

// SignatureHeader carries the provider's timestamped HMAC signature.
const SignatureHeader = "Permit-Signature"

type Handler struct {
	service *Service
	secret  string
	loggerf func(format string, args ...interface{})
}

func NewHandler(service *Service, webhookSecret string, loggerf func(format string, args ...interface{})) *Handler {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &Handler{service: service, secret: webhookSecret, loggerf: loggerf}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/payments/webhook", h.Receive)
}

// Receive godoc
// @Summary      Provider webhook endpoint
// @Description  Verifies the event signature, stores it exactly once and applies the payment outcome
// @Tags         Webhooks
// @Accept       json
// @Produce      json
// @Param        Permit-Signature header string true "t=<unix>,v1=<hmac-sha256-hex>"
// @Success      200 {object} map[string]string
// @Failure      400 {string} string "invalid signature or payload"
// @Failure      500 {string} string "internal error"
// @Router       /payments/webhook [post]
func (h *Handler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		h.loggerf("level=error msg=webhook body read failed err=%v", err)
		c.String(http.StatusBadRequest, "bad request")
		return
	}

	ev, err := provider.ConstructWebhookEvent(payload, c.GetHeader(SignatureHeader), h.secret)
	if err != nil {
		if errors.Is(err, provider.ErrMissingSecret) {
			h.loggerf("level=error msg=webhook rejected, signing secret not configured")
			c.String(http.StatusInternalServerError, "internal error")
			return
		}
		h.loggerf("level=warn msg=webhook signature rejected err=%v", err)
		c.String(http.StatusBadRequest, "invalid signature")
		return
	}

	if err := h.service.HandleEvent(c.Request.Context(), ev, payload); err != nil {
		h.loggerf("level=error msg=webhook persist failed event_id=%s err=%v", ev.ID, err)
		c.String(http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": "true", "event_id": ev.ID})
}
