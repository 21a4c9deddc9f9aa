package channel

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrAccountNotFound indicates no account is configured under the given id.
	ErrAccountNotFound = errors.New("channel account not found")
	// ErrAccountDisabled indicates the account exists but is disabled.
	ErrAccountDisabled = errors.New("channel account disabled")
)

// Accounts is the in-memory set of configured platform accounts.
type Accounts struct {
	mu    sync.RWMutex
	items map[string]ChannelConfig
}

// NewAccounts indexes cfgs by id. Ids must be unique and non-empty.
func NewAccounts(cfgs []ChannelConfig) (*Accounts, error) {
	items := make(map[string]ChannelConfig, len(cfgs))
	for _, cfg := range cfgs {
		id := strings.TrimSpace(cfg.ID)
		if id == "" {
			return nil, fmt.Errorf("account id is required")
		}
		if _, exists := items[id]; exists {
			return nil, fmt.Errorf("duplicate account id: %s", id)
		}
		cfg.ID = id
		cfg.ChannelType = normalizeChannelType(cfg.ChannelType.String())
		items[id] = cfg
	}
	return &Accounts{items: items}, nil
}

// Get returns the enabled account with id.
func (a *Accounts) Get(id string) (ChannelConfig, error) {
	a.mu.RLock()
	cfg, ok := a.items[strings.TrimSpace(id)]
	a.mu.RUnlock()
	if !ok {
		return ChannelConfig{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if cfg.Disabled {
		return ChannelConfig{}, fmt.Errorf("%w: %s", ErrAccountDisabled, id)
	}
	return cfg, nil
}

// Lookup returns the enabled account with id if it belongs to channelType.
func (a *Accounts) Lookup(channelType ChannelType, id string) (ChannelConfig, error) {
	cfg, err := a.Get(id)
	if err != nil {
		return ChannelConfig{}, err
	}
	if cfg.ChannelType != normalizeChannelType(channelType.String()) {
		return ChannelConfig{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return cfg, nil
}

// List returns every enabled account sorted by id.
func (a *Accounts) List() []ChannelConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	items := make([]ChannelConfig, 0, len(a.items))
	for _, cfg := range a.items {
		if !cfg.Disabled {
			items = append(items, cfg)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}
