package accountchecker

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/imbridge/internal/channel"
	"github.com/memohai/imbridge/internal/healthcheck"
	"github.com/memohai/imbridge/internal/media"
)

const checkTypeAccountConfig = "account.config"

// AccountLister lists configured accounts.
type AccountLister interface {
	List() []channel.ChannelConfig
}

// PlatformBuilder builds the outbound platform for an account.
type PlatformBuilder interface {
	Platform(cfg channel.ChannelConfig) (media.Platform, error)
}

// Checker reports whether every enabled account can build an outbound
// platform from its configuration.
type Checker struct {
	logger   *slog.Logger
	accounts AccountLister
	builder  PlatformBuilder
}

// NewChecker creates an account configuration checker.
func NewChecker(log *slog.Logger, accounts AccountLister, builder PlatformBuilder) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_account")),
		accounts: accounts,
		builder:  builder,
	}
}

// ListChecks evaluates one item per account. Disabled accounts are reported
// as unknown.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx != nil && ctx.Err() != nil {
		return []healthcheck.CheckResult{}
	}
	if c.accounts == nil || c.builder == nil {
		c.logger.Warn("account healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{{
			ID:      checkTypeAccountConfig + ".service",
			Type:    checkTypeAccountConfig,
			Status:  healthcheck.StatusWarn,
			Summary: "Account checker service is not available.",
		}}
	}

	cfgs := c.accounts.List()
	checks := make([]healthcheck.CheckResult, 0, len(cfgs))
	for _, cfg := range cfgs {
		platform := strings.TrimSpace(cfg.ChannelType.String())
		item := healthcheck.CheckResult{
			ID:       checkTypeAccountConfig + "." + cfg.ID,
			Type:     checkTypeAccountConfig,
			Subtitle: platform + " (" + cfg.ID + ")",
			Status:   healthcheck.StatusOK,
			Summary:  "Account " + cfg.ID + " is configured.",
			Metadata: map[string]any{
				"account_id":   cfg.ID,
				"channel_type": platform,
				"disabled":     cfg.Disabled,
			},
		}
		if cfg.Disabled {
			item.Status = healthcheck.StatusUnknown
			item.Summary = "Account " + cfg.ID + " is disabled."
			checks = append(checks, item)
			continue
		}
		if _, err := c.builder.Platform(cfg); err != nil {
			item.Status = healthcheck.StatusError
			item.Summary = "Account " + cfg.ID + " cannot send."
			item.Detail = err.Error()
			c.logger.Debug("account misconfigured", slog.String("account_id", cfg.ID), slog.Any("error", err))
		}
		checks = append(checks, item)
	}
	return checks
}
