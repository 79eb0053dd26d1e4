package search

import (
	"strings"

	"dealdesk/gateway/internal/state"
)

// scanState answers a search from the caller's own cached state tree: the
// per-stage deal board and the timeline deal listing. It is the degraded
// path when Meilisearch is unconfigured or down, so a browser still finds
// deals it has already seen.
func scanState(tree *state.AppState, q Query) ([]Result, int) {
	if tree == nil {
		return nil, 0
	}

	records := ExtractDeals(tree.DealsByStage.DealsByStage)
	records = append(records, ExtractDeals(tree.DealTimeline.Deals)...)

	seen := make(map[string]bool)
	needle := strings.ToLower(strings.TrimSpace(q.Text))

	var matched []Result
	for _, record := range records {
		if seen[record.ID] {
			continue
		}
		seen[record.ID] = true
		if q.Stage != "" && !strings.EqualFold(record.Stage, q.Stage) {
			continue
		}
		if needle != "" && !matchesRecord(record, needle) {
			continue
		}
		matched = append(matched, Result{
			ID:      record.ID,
			Name:    record.Name,
			Company: record.Company,
			Stage:   record.Stage,
			Amount:  record.Amount,
			Source:  "cache",
		})
	}

	total := len(matched)
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total
}

func matchesRecord(record DealRecord, needle string) bool {
	return strings.Contains(strings.ToLower(record.Name), needle) ||
		strings.Contains(strings.ToLower(record.Company), needle) ||
		strings.Contains(strings.ToLower(record.Stage), needle)
}
