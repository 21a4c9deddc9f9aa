package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/imbridge/internal/auth"
	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/fault"
)

// sseKeepAlive is how often an idle event stream gets a comment line so
// proxies keep the connection open.
const sseKeepAlive = 25 * time.Second

// ChannelHandler exposes the outbound and inbound sides of the bridge to the
// agent runtime.
type ChannelHandler struct {
	logger     *slog.Logger
	registry   *channel.Registry
	dispatcher *channel.Dispatcher
	hub        *channel.Hub
	manager    *channel.Manager
}

func NewChannelHandler(log *slog.Logger, registry *channel.Registry, dispatcher *channel.Dispatcher, hub *channel.Hub, manager *channel.Manager) *ChannelHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ChannelHandler{
		logger:     log.With(slog.String("handler", "channel")),
		registry:   registry,
		dispatcher: dispatcher,
		hub:        hub,
		manager:    manager,
	}
}

func (h *ChannelHandler) Register(e *echo.Echo) {
	group := e.Group("/api")
	group.POST("/send", h.Send)
	group.GET("/events", h.StreamEvents)
	group.GET("/connections", h.ListConnections)
	group.GET("/channels", h.ListChannels)
}

type receiptResponse struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

type failureResponse struct {
	Ref   string `json:"ref"`
	Class string `json:"class,omitempty"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

type sendResponse struct {
	Skipped        bool              `json:"skipped"`
	TextSuppressed bool              `json:"text_suppressed"`
	Fallbacks      int               `json:"fallbacks"`
	Receipts       []receiptResponse `json:"receipts"`
	Failures       []failureResponse `json:"failures,omitempty"`
}

// Send runs one agent reply through the dispatcher.
func (h *ChannelHandler) Send(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	if h.dispatcher == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "dispatcher not configured")
	}
	var req channel.SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "account_id is required")
	}
	if strings.TrimSpace(req.Target) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target is required")
	}
	if !principal.Allows(req.AccountID) {
		return echo.NewHTTPError(http.StatusForbidden, "token is not scoped to this account")
	}

	result, err := h.dispatcher.Send(c.Request().Context(), req)
	if err != nil {
		return sendError(err)
	}
	resp := sendResponse{
		Skipped:        result.Skipped,
		TextSuppressed: result.TextSuppressed,
		Fallbacks:      result.Fallbacks,
		Receipts:       make([]receiptResponse, 0, len(result.Receipts)),
	}
	for _, r := range result.Receipts {
		resp.Receipts = append(resp.Receipts, receiptResponse{ID: r.ID, Timestamp: r.Timestamp})
	}
	for _, f := range result.Failures {
		resp.Failures = append(resp.Failures, failureResponse{
			Ref:   f.Item.Ref,
			Class: string(f.Item.Class),
			Kind:  string(fault.KindOf(f.Err)),
			Error: f.Err.Error(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// sendError maps dispatch failures: unknown accounts and bad input are the
// caller's fault, platform rejections are upstream failures.
func sendError(err error) error {
	if errors.Is(err, channel.ErrAccountNotFound) || errors.Is(err, channel.ErrAccountDisabled) {
		return accountError(err)
	}
	switch fault.KindOf(err) {
	case fault.KindFileSizeLimit, fault.KindUnsupportedMediaType:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case fault.KindMediaTimeout:
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case fault.KindAuth, fault.KindUpload, fault.KindSend, fault.KindFetch:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

// StreamEvents streams inbound messages as server-sent events. The optional
// account query parameter filters by account id.
func (h *ChannelHandler) StreamEvents(c echo.Context) error {
	principal, err := auth.PrincipalFromContext(c)
	if err != nil {
		return err
	}
	if h.hub == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "hub not configured")
	}
	account := strings.TrimSpace(c.QueryParam("account"))
	if account != "" && !principal.Allows(account) {
		return echo.NewHTTPError(http.StatusForbidden, "token is not scoped to this account")
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	writer := bufio.NewWriter(c.Response().Writer)

	subID, stream, cancel := h.hub.Subscribe()
	defer cancel()
	h.logger.Info("event stream opened", slog.String("subscriber", subID), slog.String("subject", principal.Subject))

	// An initial comment lets clients know the subscription is live.
	if _, err := writer.WriteString(": subscribed\n\n"); err != nil {
		return nil
	}
	writer.Flush()
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-ticker.C:
			if _, err := writer.WriteString(": keep-alive\n\n"); err != nil {
				return nil
			}
		case msg, ok := <-stream:
			if !ok {
				return nil
			}
			if account != "" && msg.AccountID != account {
				continue
			}
			if !principal.Allows(msg.AccountID) {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Warn("encode inbound event failed", slog.Any("error", err))
				continue
			}
			if _, err := writer.WriteString(fmt.Sprintf("event: message\ndata: %s\n\n", data)); err != nil {
				return nil // client disconnected
			}
		}
		writer.Flush()
		flusher.Flush()
	}
}

// ListConnections reports the stream connection status of every account
// that keeps one.
func (h *ChannelHandler) ListConnections(c echo.Context) error {
	if _, err := auth.PrincipalFromContext(c); err != nil {
		return err
	}
	if h.manager == nil {
		return c.JSON(http.StatusOK, []channel.ConnectionStatus{})
	}
	return c.JSON(http.StatusOK, h.manager.Statuses())
}

// ListChannels returns the registered platform descriptors.
func (h *ChannelHandler) ListChannels(c echo.Context) error {
	if _, err := auth.PrincipalFromContext(c); err != nil {
		return err
	}
	if h.registry == nil {
		return c.JSON(http.StatusOK, []channel.Descriptor{})
	}
	return c.JSON(http.StatusOK, h.registry.ListDescriptors())
}
