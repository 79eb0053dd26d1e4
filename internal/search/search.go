// Package search indexes deal records skimmed from proxied CRM payloads and
// answers deal searches, degrading to a scan of the caller's cached state
// when Meilisearch is unavailable.
package search

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DealRecord is the indexable projection of one deal. Fields are extracted
// leniently from backend payloads; only Name is guaranteed non-empty.
type DealRecord struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Company string  `json:"company,omitempty"`
	Stage   string  `json:"stage,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
}

// Query describes one deal search.
type Query struct {
	Text  string
	Stage string
	Limit int
}

// Result is a single search hit. Source reports which engine answered:
// "index" for Meilisearch, "cache" for the state scan fallback.
type Result struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Company string  `json:"company,omitempty"`
	Stage   string  `json:"stage,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
	Source  string  `json:"source"`
}

// Response is the payload returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ExtractDeals skims deal records out of a proxied payload. It accepts the
// shapes the backend is known to produce: a bare array of deals, an object
// with a "deals" array, or an object keyed by stage (either spelling).
// Entries without a usable name are skipped; nothing here ever fails.
func ExtractDeals(payload json.RawMessage) []DealRecord {
	if len(payload) == 0 {
		return nil
	}

	var asArray []map[string]json.RawMessage
	if err := json.Unmarshal(payload, &asArray); err == nil {
		return recordsFromMaps(asArray, "")
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal(payload, &asObject); err != nil {
		return nil
	}

	if raw, ok := asObject["deals"]; ok {
		var deals []map[string]json.RawMessage
		if err := json.Unmarshal(raw, &deals); err == nil {
			return recordsFromMaps(deals, "")
		}
	}

	for _, key := range []string{"deals_by_stage", "dealsByStage"} {
		if raw, ok := asObject[key]; ok {
			if records := recordsFromStageMap(raw); records != nil {
				return records
			}
		}
	}

	// The payload may itself be the stage map.
	return recordsFromStageMap(payload)
}

// Stages returns the distinct stage names present in records, sorted.
func Stages(records []DealRecord) []string {
	seen := make(map[string]bool)
	for _, record := range records {
		if record.Stage != "" {
			seen[record.Stage] = true
		}
	}
	stages := make([]string, 0, len(seen))
	for stage := range seen {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	return stages
}

func recordsFromStageMap(raw json.RawMessage) []DealRecord {
	var byStage map[string][]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byStage); err != nil {
		return nil
	}
	var records []DealRecord
	for _, stage := range sortedKeys(byStage) {
		records = append(records, recordsFromMaps(byStage[stage], stage)...)
	}
	return records
}

func recordsFromMaps(items []map[string]json.RawMessage, stage string) []DealRecord {
	var records []DealRecord
	for _, item := range items {
		record := DealRecord{
			Name:    fieldString(item, "name", "deal_name", "title"),
			Company: fieldString(item, "company", "company_name", "account"),
			Stage:   fieldString(item, "stage", "deal_stage"),
			Amount:  fieldNumber(item, "amount", "value"),
		}
		if record.Stage == "" {
			record.Stage = stage
		}
		if strings.TrimSpace(record.Name) == "" {
			continue
		}
		record.ID = recordID(fieldString(item, "id", "deal_id"), record.Name)
		records = append(records, record)
	}
	return records
}

// recordID produces a Meilisearch-safe primary key: the payload's own id when
// it is already safe, otherwise a digest of the deal name.
func recordID(id, name string) string {
	id = strings.TrimSpace(id)
	if id != "" && isSafeID(id) {
		return id
	}
	sum := sha1.Sum([]byte(name))
	return fmt.Sprintf("deal-%x", sum[:8])
}

func isSafeID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

func fieldString(item map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := item[key]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil && text != "" {
			return text
		}
		var number json.Number
		if err := json.Unmarshal(raw, &number); err == nil {
			return number.String()
		}
	}
	return ""
}

func fieldNumber(item map[string]json.RawMessage, keys ...string) float64 {
	for _, key := range keys {
		raw, ok := item[key]
		if !ok {
			continue
		}
		var number float64
		if err := json.Unmarshal(raw, &number); err == nil {
			return number
		}
	}
	return 0
}

func sortedKeys(m map[string][]map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
