package export

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Report is the decoded pipeline snapshot the renderers work from. Backend
// payloads are decoded leniently; fields the payload lacks stay empty and
// the renderers tolerate every gap.
type Report struct {
	Timeframe   string
	GeneratedAt time.Time
	Metrics     []Metric
	Stages      []StageGroup
}

// Metric is one summary scalar, formatted for display.
type Metric struct {
	Label string
	Value string
}

// StageGroup is one pipeline stage and its deals.
type StageGroup struct {
	Stage string
	Deals []DealRow
}

// DealRow is one deal line in the report.
type DealRow struct {
	Name      string
	Company   string
	Amount    string
	CloseDate string
}

func buildReport(summary, deals json.RawMessage, timeframe string) Report {
	return Report{
		Timeframe: timeframe,
		Metrics:   metricsFromSummary(summary),
		Stages:    stageGroups(deals),
	}
}

// metricsFromSummary turns every scalar field of the summary payload into a
// labelled metric. Arrays and nested objects are not renderable as headline
// numbers and are skipped, except a single "summary" wrapper object, which
// some backend responses nest their scalars under.
func metricsFromSummary(raw json.RawMessage) []Metric {
	if len(raw) == 0 {
		return nil
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil
	}
	if inner, ok := object["summary"]; ok {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(inner, &nested); err == nil {
			object = nested
		}
	}

	var metrics []Metric
	for _, key := range sortedKeys(object) {
		value, ok := scalarValue(object[key])
		if !ok {
			continue
		}
		metrics = append(metrics, Metric{Label: humanizeLabel(key), Value: value})
	}
	return metrics
}

// stageGroups decodes a per-stage deal map, descending through one
// "deals_by_stage"/"dealsByStage" wrapper when present. Map values that are
// not deal arrays are skipped.
func stageGroups(raw json.RawMessage) []StageGroup {
	if len(raw) == 0 {
		return nil
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil
	}
	for _, key := range []string{"deals_by_stage", "dealsByStage"} {
		if inner, ok := object[key]; ok {
			if groups := stageGroups(inner); groups != nil {
				return groups
			}
		}
	}

	var groups []StageGroup
	for _, stage := range sortedKeys(object) {
		var items []map[string]json.RawMessage
		if err := json.Unmarshal(object[stage], &items); err != nil {
			continue
		}
		group := StageGroup{Stage: stage}
		for _, item := range items {
			if row, ok := dealRow(item); ok {
				group.Deals = append(group.Deals, row)
			}
		}
		if len(group.Deals) > 0 {
			groups = append(groups, group)
		}
	}
	return groups
}

func dealRow(item map[string]json.RawMessage) (DealRow, bool) {
	row := DealRow{
		Name:      textField(item, "name", "deal_name", "title"),
		Company:   textField(item, "company", "company_name", "account"),
		Amount:    formatAmount(numberField(item, "amount", "value")),
		CloseDate: textField(item, "close_date", "closeDate", "expected_close_date", "expected_close"),
	}
	if strings.TrimSpace(row.Name) == "" {
		return DealRow{}, false
	}
	return row, true
}

func scalarValue(raw json.RawMessage) (string, bool) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return "", false
		}
		return text, true
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return formatNumber(number), true
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return strconv.FormatBool(flag), true
	}
	return "", false
}

func textField(item map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := item[key]
		if !ok {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil && text != "" {
			return text
		}
	}
	return ""
}

func numberField(item map[string]json.RawMessage, keys ...string) float64 {
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

// humanizeLabel turns a payload key into a display label, splitting on
// underscores and lower-to-upper camel boundaries.
func humanizeLabel(key string) string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	runes := []rune(key)
	for i, r := range runes {
		if r == '_' || r == '-' || r == ' ' {
			flush()
			continue
		}
		if unicode.IsUpper(r) && i > 0 && unicode.IsLower(runes[i-1]) {
			flush()
		}
		current.WriteRune(r)
	}
	flush()
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func formatAmount(v float64) string {
	if v == 0 {
		return ""
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return "$" + groupThousands(int64(v))
	}
	return "$" + strconv.FormatFloat(v, 'f', 2, 64)
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return groupThousands(int64(v))
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func groupThousands(v int64) string {
	s := strconv.FormatInt(v, 10)
	negative := strings.HasPrefix(s, "-")
	if negative {
		s = s[1:]
	}
	var out []byte
	for i := 0; i < len(s); i++ {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if negative {
		return "-" + string(out)
	}
	return string(out)
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
