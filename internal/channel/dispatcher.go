package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/memohai/imbridge/internal/media"
	"github.com/memohai/imbridge/internal/sanitize"
	"github.com/memohai/imbridge/internal/token"
)

// Reply is one agent reply bound for a platform conversation.
type Reply struct {
	// Channel is optional; when set it must match the account's platform.
	Channel   ChannelType
	AccountID string
	Target    string
	Kind      sanitize.Kind
	Text      string
	Format    MessageFormat
	Media     []Attachment
	// ReplyFinalOnly overrides the dispatcher default when non-nil.
	ReplyFinalOnly *bool
}

// DispatchResult summarizes what went out for a reply.
type DispatchResult struct {
	Skipped        bool
	TextSuppressed bool
	Receipts       []media.Receipt
	// Fallbacks counts attachments replaced by a text fallback.
	Fallbacks int
	Failures  []media.Failure
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Media          media.Options
	ReplyFinalOnly bool
}

// Dispatcher turns agent replies into platform messages: text is sanitized,
// the final-only policy is applied, media goes through a per-account
// Transfer, and the remaining text is chunked per the adapter policy.
type Dispatcher struct {
	registry *Registry
	accounts *Accounts
	tokens   token.Source
	opts     DispatcherOptions
	logger   *slog.Logger

	mu        sync.Mutex
	transfers map[string]*media.Transfer
}

// NewDispatcher creates a Dispatcher. tokens may be nil when every account
// is keyless.
func NewDispatcher(log *slog.Logger, registry *Registry, accounts *Accounts, tokens token.Source, opts DispatcherOptions) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		accounts:  accounts,
		tokens:    tokens,
		opts:      opts,
		logger:    log.With(slog.String("service", "dispatcher")),
		transfers: map[string]*media.Transfer{},
	}
}

// Send dispatches an API send request.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (DispatchResult, error) {
	kind := sanitize.Kind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = sanitize.KindFinal
	}
	switch kind {
	case sanitize.KindFinal, sanitize.KindBlock, sanitize.KindTool:
	default:
		return DispatchResult{}, fmt.Errorf("unsupported reply kind: %s", req.Kind)
	}
	return d.Dispatch(ctx, Reply{
		AccountID:      req.AccountID,
		Target:         req.Target,
		Kind:           kind,
		Text:           req.Message.Text,
		Format:         req.Message.Format,
		Media:          req.Message.Attachments,
		ReplyFinalOnly: req.FinalOnly,
	})
}

// Dispatch delivers reply. Media failures that were covered by a text
// fallback are reported in the result, not as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, reply Reply) (DispatchResult, error) {
	var result DispatchResult
	target := strings.TrimSpace(reply.Target)
	if target == "" {
		return result, fmt.Errorf("target is required")
	}
	cfg, err := d.accounts.Get(reply.AccountID)
	if err != nil {
		return result, err
	}
	if reply.Channel != "" && normalizeChannelType(reply.Channel.String()) != cfg.ChannelType {
		return result, fmt.Errorf("account %s is not a %s account", cfg.ID, reply.Channel)
	}
	transfer, err := d.transfer(cfg)
	if err != nil {
		return result, err
	}

	attachments := make([]Attachment, 0, len(reply.Media))
	for _, att := range reply.Media {
		if att.HasReference() {
			attachments = append(attachments, att)
		}
	}
	hasMedia := len(attachments) > 0

	msg := sanitize.New(reply.Text)
	finalOnly := d.opts.ReplyFinalOnly
	if reply.ReplyFinalOnly != nil {
		finalOnly = *reply.ReplyFinalOnly
	}
	decision := sanitize.EvaluateDelivery(sanitize.Params{
		ReplyFinalOnly: finalOnly,
		Kind:           reply.Kind,
		HasMedia:       hasMedia,
		SanitizedText:  msg.Cleaned,
	})
	if decision.SkipDelivery {
		d.logger.Debug("reply skipped",
			slog.String("account_id", cfg.ID),
			slog.String("kind", string(reply.Kind)),
			slog.Bool("final_only", finalOnly))
		result.Skipped = true
		return result, nil
	}
	suppress := decision.SuppressText
	if !suppress && hasMedia && sanitize.ShouldSuppressWhenMediaPresent(msg.Raw, msg.Cleaned) {
		suppress = true
	}
	result.TextSuppressed = suppress
	if suppress && !hasMedia {
		result.Skipped = true
		return result, nil
	}

	policy := NormalizeOutboundPolicy(d.outboundPolicy(cfg.ChannelType))
	sendText := func() error {
		if suppress {
			return nil
		}
		for _, chunk := range chunkOutboundText(msg.Cleaned, reply.Format, policy) {
			receipt, err := transfer.SendText(ctx, target, chunk)
			if err != nil {
				return err
			}
			result.Receipts = append(result.Receipts, receipt)
		}
		return nil
	}
	sendMedia := func() error {
		for _, att := range attachments {
			res, err := transfer.DeliverWithFallback(ctx, target, att.Alternatives(), attachmentFallback(att))
			result.Failures = append(result.Failures, res.Failures...)
			if err != nil {
				return err
			}
			if res.Fallback {
				result.Fallbacks++
			}
			if res.Delivered != nil || res.Fallback {
				result.Receipts = append(result.Receipts, res.Receipt)
			}
		}
		return nil
	}

	steps := []func() error{sendMedia, sendText}
	if policy.MediaOrder == OutboundOrderTextFirst {
		steps = []func() error{sendText, sendMedia}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			d.logger.Error("send outbound failed",
				slog.String("channel", cfg.ChannelType.String()),
				slog.String("account_id", cfg.ID),
				slog.Any("error", err))
			return result, err
		}
	}
	return result, nil
}

func (d *Dispatcher) outboundPolicy(channelType ChannelType) OutboundPolicy {
	if d.registry == nil {
		return OutboundPolicy{}
	}
	policy, _ := d.registry.GetOutboundPolicy(channelType)
	return policy
}

// transfer returns the cached Transfer for cfg, building it on first use.
func (d *Dispatcher) transfer(cfg ChannelConfig) (*media.Transfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.transfers[cfg.ID]; ok {
		return t, nil
	}
	if d.registry == nil {
		return nil, fmt.Errorf("channel registry not configured")
	}
	platform, err := d.registry.Platform(cfg)
	if err != nil {
		return nil, err
	}
	t := media.NewTransfer(d.logger.With(slog.String("account_id", cfg.ID)), platform, d.tokens, cfg.Credential(), d.opts.Media)
	d.transfers[cfg.ID] = t
	return t, nil
}

func attachmentFallback(att Attachment) string {
	if caption := strings.TrimSpace(att.Caption); caption != "" {
		return caption
	}
	return strings.TrimSpace(att.Name)
}
