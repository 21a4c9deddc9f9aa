package channelchecker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/healthcheck"
)

const checkTypeChannelConnection = "channel.connection"

// ConnectionObserver reads runtime stream connection statuses.
type ConnectionObserver interface {
	Statuses() []channel.ConnectionStatus
}

// Checker reports one item per stream connection kept by the manager.
// Webhook-only accounts hold no connection and produce no items.
type Checker struct {
	logger   *slog.Logger
	observer ConnectionObserver
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, observer ConnectionObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		observer: observer,
	}
}

// ListChecks evaluates every observed connection. The observer already
// orders statuses by channel type and account id.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx != nil && ctx.Err() != nil {
		return []healthcheck.CheckResult{}
	}
	if c.observer == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{{
			ID:      checkTypeChannelConnection + ".service",
			Type:    checkTypeChannelConnection,
			Status:  healthcheck.StatusWarn,
			Summary: "Channel checker service is not available.",
			Detail:  "connection observer is nil",
		}}
	}

	statuses := c.observer.Statuses()
	checks := make([]healthcheck.CheckResult, 0, len(statuses))
	for idx, status := range statuses {
		checks = append(checks, connectionCheck(idx, status))
	}
	return checks
}

func connectionCheck(idx int, status channel.ConnectionStatus) healthcheck.CheckResult {
	channelType := strings.TrimSpace(status.ChannelType.String())
	if channelType == "" {
		channelType = "unknown"
	}
	accountID := strings.TrimSpace(status.ConfigID)
	id := checkTypeChannelConnection + "." + accountID
	subtitle := channelType + " (" + accountID + ")"
	if accountID == "" {
		id = fmt.Sprintf("%s.unknown_%d", checkTypeChannelConnection, idx+1)
		subtitle = channelType
	}
	lastError := strings.TrimSpace(status.LastError)

	item := healthcheck.CheckResult{
		ID:       id,
		Type:     checkTypeChannelConnection,
		Subtitle: subtitle,
		Detail:   lastError,
		Metadata: map[string]any{
			"account_id":   accountID,
			"channel_type": channelType,
			"running":      status.Running,
		},
	}
	if !status.UpdatedAt.IsZero() {
		item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format(time.RFC3339)
	}

	switch {
	case status.Running && lastError == "":
		item.Status = healthcheck.StatusOK
		item.Summary = fmt.Sprintf("Channel %s is connected.", channelType)
	case status.Running:
		// The stream client reconnects by itself; the last error is stale
		// until it clears.
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("Channel %s is connected after an error.", channelType)
	case lastError != "":
		item.Status = healthcheck.StatusError
		item.Summary = fmt.Sprintf("Channel %s connection failed.", channelType)
	default:
		item.Status = healthcheck.StatusError
		item.Summary = fmt.Sprintf("Channel %s connection is down.", channelType)
	}
	return item
}
