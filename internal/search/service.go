package search

import (
	"log"

	"dealdesk/gateway/internal/state"
)

// Service is the facade that tries Meilisearch first and falls back to
// scanning the caller's cached state tree.
type Service struct {
	meili *Meili
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; every search then runs against the cached tree.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili}
}

// Search tries Meilisearch if healthy, otherwise scans the caller's cached
// state. The degraded path only sees deals this browser has already fetched.
func (s *Service) Search(q Query, cached *state.AppState) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to state scan: %v", err)
	}

	results, total := scanState(cached, q)
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexDeals pushes deal records into Meilisearch (fire-and-forget).
func (s *Service) IndexDeals(records []DealRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(records) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexDeals(records); err != nil {
			log.Printf("search: index %d deals: %v", len(records), err)
		}
	}()
}

// Close releases the Meilisearch health monitor, if any.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
