package state

import (
	"context"
	"sync"
	"time"
)

// Manager hands out per-browser stores, rehydrating each one from durable
// storage on first touch.
type Manager struct {
	mu     sync.Mutex
	stores map[string]*Store

	snapshots Snapshotter
	maxBytes  int
	settle    time.Duration
}

func NewManager(snapshots Snapshotter, maxBytes int, settle time.Duration) *Manager {
	return &Manager{
		stores:    make(map[string]*Store),
		snapshots: snapshots,
		maxBytes:  maxBytes,
		settle:    settle,
	}
}

// ForBrowser returns the store for browserID, creating and rehydrating it if
// this is the first touch since boot.
func (m *Manager) ForBrowser(ctx context.Context, browserID string) *Store {
	m.mu.Lock()
	if st, ok := m.stores[browserID]; ok {
		m.mu.Unlock()
		return st
	}
	st := newStore(browserID, m.snapshots, m.maxBytes, m.settle)
	m.stores[browserID] = st
	m.mu.Unlock()

	st.rehydrate(ctx)
	return st
}
