package state

import "context"

// flight is the single in-flight fetch slot for one subtree. The generation
// counter decides which dispatch owns the slot: beginning a new fetch bumps
// the generation and cancels the previous context, and a commit carrying a
// stale generation is discarded whole.
type flight struct {
	gen    uint64
	cancel context.CancelFunc
}

func (f *flight) active() bool {
	return f.cancel != nil
}

func (f *flight) stop() {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

// BeginFetch claims the subtree's flight slot, marking the subtree loading
// and clearing its stale error. The returned context is detached from the
// triggering request, so a client disconnect never aborts a dispatched call;
// only a superseding fetch or Reset cancels it. The returned generation must
// accompany the commit.
func (s *Store) BeginFetch(sub Subtree) (uint64, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.flights[sub]
	if f == nil {
		f = &flight{}
		s.flights[sub] = f
	}
	f.stop()
	f.gen++
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	next := s.tree.Clone()
	next.setLoading(sub, true)
	setError(next, sub, "")
	s.tree = next
	s.persistLocked(ctx)
	return f.gen, ctx
}

// CommitFetch lands a fetch outcome into the tree, provided gen still owns
// the subtree's flight slot. The commit function receives a private clone to
// mutate; the subtree's loading flag is cleared afterwards regardless. A
// stale generation commits nothing and returns false.
func (s *Store) CommitFetch(ctx context.Context, sub Subtree, gen uint64, commit func(*AppState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.flights[sub]
	if f == nil || f.gen != gen {
		return false
	}
	f.stop()

	next := s.tree.Clone()
	commit(next)
	next.setLoading(sub, false)
	s.tree = next
	s.persistLocked(ctx)
	return true
}

func setError(tree *AppState, sub Subtree, message string) {
	switch sub {
	case SubtreeDealTimeline:
		tree.DealTimeline.Error = message
	case SubtreeDealsByStage:
		tree.DealsByStage.Error = message
	case SubtreePipelineControls:
		tree.PipelineControls.Error = message
	}
}
