package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/fault"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// WebhookHandler receives platform callbacks for webhook-driven accounts and
// hands verified messages to the inbound handler.
type WebhookHandler struct {
	logger   *slog.Logger
	registry *channel.Registry
	accounts *channel.Accounts
	inbound  channel.InboundHandler
}

// NewWebhookHandler creates a public webhook handler.
func NewWebhookHandler(log *slog.Logger, registry *channel.Registry, accounts *channel.Accounts, inbound channel.InboundHandler) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:   log.With(slog.String("handler", "webhook")),
		registry: registry,
		accounts: accounts,
		inbound:  inbound,
	}
}

// Register registers webhook callback routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/:channel/:account", h.Handle)
	e.POST("/webhooks/:channel/:account", h.Handle)
}

// Handle verifies and decodes a callback. Verification failures answer 401
// or 400 and never reach the inbound handler.
func (h *WebhookHandler) Handle(c echo.Context) error {
	if h.registry == nil || h.accounts == nil || h.inbound == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "webhook dependencies not configured")
	}
	channelType, err := h.registry.ParseChannelType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	receiver, ok := h.registry.GetWebhookReceiver(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("channel %s does not accept webhooks", channelType))
	}
	accountID := strings.TrimSpace(c.Param("account"))
	cfg, err := h.accounts.Lookup(channelType, accountID)
	if err != nil {
		return accountError(err)
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}

	req := channel.WebhookRequest{
		Method: c.Request().Method,
		Query:  c.QueryParams(),
		Header: c.Request().Header,
		Body:   payload,
	}
	// Platforms retry slow callbacks, so inbound handling must outlive the
	// request context.
	ctx := context.WithoutCancel(c.Request().Context())
	resp, err := receiver.HandleWebhook(ctx, cfg, req, h.inbound)
	if err != nil {
		h.logger.Warn("webhook rejected",
			slog.String("channel", channelType.String()),
			slog.String("account_id", cfg.ID),
			slog.Any("error", err))
		return webhookError(err)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = echo.MIMETextPlainCharsetUTF8
	}
	return c.Blob(status, contentType, resp.Body)
}

func webhookError(err error) error {
	switch fault.KindOf(err) {
	case fault.KindSignature:
		return echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
	case fault.KindEnvelopeIntegrity:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid callback payload")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func accountError(err error) error {
	switch {
	case errors.Is(err, channel.ErrAccountDisabled):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, channel.ErrAccountNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
