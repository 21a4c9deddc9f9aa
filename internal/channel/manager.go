package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Middleware wraps an InboundHandler to add cross-cutting behavior.
type Middleware func(next InboundHandler) InboundHandler

// ConnectionStatus describes runtime status for one stream connection.
type ConnectionStatus struct {
	ConfigID    string      `json:"config_id"`
	ChannelType ChannelType `json:"channel_type"`
	Running     bool        `json:"running"`
	LastError   string      `json:"last_error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Manager keeps one long-lived connection per enabled account whose adapter
// is a Receiver. Webhook-only accounts need no connection.
type Manager struct {
	registry    *Registry
	accounts    *Accounts
	handler     InboundHandler
	logger      *slog.Logger
	middlewares []Middleware

	mu          sync.Mutex
	connections map[string]Connection
	statuses    map[string]ConnectionStatus
}

// NewManager creates a Manager that passes inbound messages to handler.
func NewManager(log *slog.Logger, registry *Registry, accounts *Accounts, handler InboundHandler) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		registry:    registry,
		accounts:    accounts,
		handler:     handler,
		logger:      log.With(slog.String("service", "channel")),
		connections: map[string]Connection{},
		statuses:    map[string]ConnectionStatus{},
	}
}

// Use appends middleware to the inbound processing chain.
func (m *Manager) Use(mw ...Middleware) {
	m.middlewares = append(m.middlewares, mw...)
}

// Start connects every enabled stream account. A failing account is logged
// and recorded in its status; the others still start.
func (m *Manager) Start(ctx context.Context) error {
	if m.handler == nil {
		return fmt.Errorf("inbound handler not configured")
	}
	m.logger.Info("manager start")
	handler := Chain(m.handler, m.middlewares...)
	// Connections outlive the caller's context.
	connectCtx := context.WithoutCancel(ctx)
	for _, cfg := range m.accounts.List() {
		receiver, ok := m.registry.GetReceiver(cfg.ChannelType)
		if !ok {
			continue
		}
		m.mu.Lock()
		_, exists := m.connections[cfg.ID]
		m.mu.Unlock()
		if exists {
			continue
		}
		m.logger.Info("adapter start",
			slog.String("channel", cfg.ChannelType.String()),
			slog.String("config_id", cfg.ID))
		conn, err := receiver.Connect(connectCtx, cfg, handler)
		if err != nil {
			m.markStatus(cfg, false, err)
			m.logger.Error("adapter start failed",
				slog.String("channel", cfg.ChannelType.String()),
				slog.String("config_id", cfg.ID),
				slog.Any("error", err))
			continue
		}
		m.mu.Lock()
		m.connections[cfg.ID] = conn
		m.mu.Unlock()
		m.markStatus(cfg, true, nil)
	}
	return nil
}

// Shutdown stops all active connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	conns := m.connections
	m.connections = map[string]Connection{}
	m.mu.Unlock()
	var errs []error
	for id, conn := range conns {
		m.logger.Info("adapter stop",
			slog.String("channel", conn.ChannelType().String()),
			slog.String("config_id", id))
		if err := conn.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.logger.Warn("adapter stop failed", slog.String("config_id", id), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
		m.mu.Lock()
		if status, ok := m.statuses[id]; ok {
			status.Running = false
			status.UpdatedAt = time.Now().UTC()
			m.statuses[id] = status
		}
		m.mu.Unlock()
	}
	m.logger.Info("manager stop")
	return errors.Join(errs...)
}

// Statuses returns the observed connection statuses sorted by channel and id.
func (m *Manager) Statuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.statuses))
	for id, status := range m.statuses {
		if conn, ok := m.connections[id]; ok {
			status.Running = conn.Running()
		}
		items = append(items, status)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ChannelType == items[j].ChannelType {
			return items[i].ConfigID < items[j].ConfigID
		}
		return items[i].ChannelType < items[j].ChannelType
	})
	return items
}

func (m *Manager) markStatus(cfg ChannelConfig, running bool, err error) {
	status := ConnectionStatus{
		ConfigID:    cfg.ID,
		ChannelType: cfg.ChannelType,
		Running:     running,
		UpdatedAt:   time.Now().UTC(),
	}
	if err != nil {
		status.LastError = err.Error()
	}
	m.mu.Lock()
	m.statuses[cfg.ID] = status
	m.mu.Unlock()
}
