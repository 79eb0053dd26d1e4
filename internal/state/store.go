package state

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Snapshotter is the durable single-key storage boundary for browser trees.
// Load returns (nil, nil) when the browser has nothing persisted.
type Snapshotter interface {
	SaveStateSnapshot(ctx context.Context, browserID string, snapshot []byte) error
	LoadStateSnapshot(ctx context.Context, browserID string) ([]byte, error)
	DeleteStateSnapshot(ctx context.Context, browserID string) error
}

// Store owns one browser's state tree. Every mutation clones the tree before
// writing, so a snapshot handed to a caller stays valid forever, and every
// mutation is mirrored to durable storage before the call returns. Storage
// failures degrade to the reduced snapshot and are never surfaced to callers.
type Store struct {
	mu      sync.Mutex
	tree    *AppState
	flights map[Subtree]*flight

	rehydrateOnce sync.Once

	browserID string
	snapshots Snapshotter
	maxBytes  int
	settle    time.Duration
}

func newStore(browserID string, snapshots Snapshotter, maxBytes int, settle time.Duration) *Store {
	return &Store{
		tree:      Defaults(),
		flights:   make(map[Subtree]*flight),
		browserID: browserID,
		snapshots: snapshots,
		maxBytes:  maxBytes,
		settle:    settle,
	}
}

// Snapshot returns the current tree. Callers may hold it indefinitely; no
// later write will mutate it.
func (s *Store) Snapshot() *AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Update applies one path-addressed write and persists the result.
func (s *Store) Update(ctx context.Context, path string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.tree.Clone()
	if err := apply(next, path, value); err != nil {
		return err
	}
	s.tree = next
	s.persistLocked(ctx)
	return nil
}

// Reset replaces the tree with defaults and erases the durable snapshot.
// In-flight fetches are cancelled and their generations invalidated so a
// straggling commit cannot land on the fresh tree.
func (s *Store) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = Defaults()
	for _, f := range s.flights {
		f.stop()
		f.gen++
	}
	if err := s.snapshots.DeleteStateSnapshot(ctx, s.browserID); err != nil {
		log.Printf("state: erase snapshot for %s: %v", s.browserID, err)
	}
}

// rehydrate restores the tree from the durable snapshot, once. Unparseable
// snapshots are discarded and the tree proceeds from defaults. Loading flags
// are forced clear immediately, and once more after the settling delay in
// case a write racing shutdown re-persisted a stale flag. Concurrent callers
// block until the first rehydration completes.
func (s *Store) rehydrate(ctx context.Context) {
	s.rehydrateOnce.Do(func() { s.rehydrateFromStorage(ctx) })
}

func (s *Store) rehydrateFromStorage(ctx context.Context) {
	tree := Defaults()
	raw, err := s.snapshots.LoadStateSnapshot(ctx, s.browserID)
	switch {
	case err != nil:
		log.Printf("state: load snapshot for %s: %v", s.browserID, err)
	case raw != nil:
		var loaded AppState
		if err := json.Unmarshal(raw, &loaded); err != nil {
			log.Printf("state: discarding unreadable snapshot for %s: %v", s.browserID, err)
		} else {
			tree = &loaded
		}
	}
	tree.clearLoading()

	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()

	if s.settle > 0 {
		time.AfterFunc(s.settle, s.settleLoading)
	} else {
		s.settleLoading()
	}
}

// settleLoading clears loading flags that no live fetch owns. A subtree whose
// flight slot is occupied keeps its flag; everything else settles to false.
func (s *Store) settleLoading() {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.tree
	changed := false
	for _, sub := range Subtrees() {
		if !next.loading(sub) {
			continue
		}
		if f := s.flights[sub]; f != nil && f.active() {
			continue
		}
		if !changed {
			next = next.Clone()
			changed = true
		}
		next.setLoading(sub, false)
	}
	if !changed {
		return
	}
	s.tree = next
	s.persistLocked(context.Background())
}

// persistLocked serializes the tree and writes it through the snapshotter.
// Oversized trees and failed writes fall back to the reduced snapshot; no
// error escapes to the caller. Must be called with s.mu held.
func (s *Store) persistLocked(ctx context.Context) {
	full, err := json.Marshal(s.tree)
	if err != nil {
		log.Printf("state: marshal snapshot for %s: %v", s.browserID, err)
		return
	}

	payload := full
	reduced := false
	if s.maxBytes > 0 && len(full) > s.maxBytes {
		payload, err = json.Marshal(s.tree.Reduced())
		if err != nil {
			log.Printf("state: marshal reduced snapshot for %s: %v", s.browserID, err)
			return
		}
		reduced = true
	}

	saveErr := s.snapshots.SaveStateSnapshot(ctx, s.browserID, payload)
	if saveErr == nil {
		return
	}
	if !reduced {
		if payload, err = json.Marshal(s.tree.Reduced()); err == nil {
			if err := s.snapshots.SaveStateSnapshot(ctx, s.browserID, payload); err == nil {
				log.Printf("state: full snapshot for %s rejected, reduced snapshot persisted: %v", s.browserID, saveErr)
				return
			}
		}
	}
	log.Printf("state: persist snapshot for %s: %v", s.browserID, saveErr)
}
