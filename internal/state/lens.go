package state

import (
	"encoding/json"
	"fmt"
	"sort"
)

// UnknownPathError reports a write to a path outside the registered tree.
type UnknownPathError struct {
	Path string
}

func (e *UnknownPathError) Error() string {
	return "unknown state path: " + e.Path
}

// A lens decodes a raw JSON value into one addressable field of the tree.
// Every writable path is registered here, so path strings arriving over the
// wire meet a closed, typed set instead of reflective traversal.
type lens func(*AppState, json.RawMessage) error

var lenses = map[string]lens{
	"dealTimeline.loading": func(s *AppState, raw json.RawMessage) error {
		return decodeBool(&s.DealTimeline.Loading, raw)
	},
	"dealTimeline.error": func(s *AppState, raw json.RawMessage) error {
		return decodeString(&s.DealTimeline.Error, raw)
	},
	"dealTimeline.lastFetched": func(s *AppState, raw json.RawMessage) error {
		return decodeInt64(&s.DealTimeline.LastFetched, raw)
	},
	"dealTimeline.selectedDeal": func(s *AppState, raw json.RawMessage) error {
		s.DealTimeline.SelectedDeal = cloneRaw(raw)
		return nil
	},
	"dealTimeline.timeframe": func(s *AppState, raw json.RawMessage) error {
		return decodeString(&s.DealTimeline.Timeframe, raw)
	},
	"dealTimeline.deals": func(s *AppState, raw json.RawMessage) error {
		s.DealTimeline.Deals = cloneRaw(raw)
		return nil
	},
	"dealTimeline.activities": func(s *AppState, raw json.RawMessage) error {
		s.DealTimeline.Activities = cloneRaw(raw)
		return nil
	},
	"dealTimeline.riskScore": func(s *AppState, raw json.RawMessage) error {
		s.DealTimeline.RiskScore = cloneRaw(raw)
		return nil
	},
	"dealTimeline.concerns": func(s *AppState, raw json.RawMessage) error {
		s.DealTimeline.Concerns = cloneRaw(raw)
		return nil
	},
	"dealsByStage.loading": func(s *AppState, raw json.RawMessage) error {
		return decodeBool(&s.DealsByStage.Loading, raw)
	},
	"dealsByStage.error": func(s *AppState, raw json.RawMessage) error {
		return decodeString(&s.DealsByStage.Error, raw)
	},
	"dealsByStage.lastFetched": func(s *AppState, raw json.RawMessage) error {
		return decodeInt64(&s.DealsByStage.LastFetched, raw)
	},
	"dealsByStage.availableStages": func(s *AppState, raw json.RawMessage) error {
		return decodeStrings(&s.DealsByStage.AvailableStages, raw)
	},
	"dealsByStage.selectedStage": func(s *AppState, raw json.RawMessage) error {
		return decodeString(&s.DealsByStage.SelectedStage, raw)
	},
	"dealsByStage.dealsByStage": func(s *AppState, raw json.RawMessage) error {
		s.DealsByStage.DealsByStage = cloneRaw(raw)
		return nil
	},
	"pipelineControls.loading": func(s *AppState, raw json.RawMessage) error {
		return decodeBool(&s.PipelineControls.Loading, raw)
	},
	"pipelineControls.error": func(s *AppState, raw json.RawMessage) error {
		return decodeString(&s.PipelineControls.Error, raw)
	},
	"pipelineControls.lastFetched": func(s *AppState, raw json.RawMessage) error {
		return decodeInt64(&s.PipelineControls.LastFetched, raw)
	},
	"pipelineControls.timeframe": func(s *AppState, raw json.RawMessage) error {
		return decodeString(&s.PipelineControls.Timeframe, raw)
	},
	"pipelineControls.summary": func(s *AppState, raw json.RawMessage) error {
		s.PipelineControls.Summary = cloneRaw(raw)
		return nil
	},
	"pipelineControls.companyOverview": func(s *AppState, raw json.RawMessage) error {
		s.PipelineControls.CompanyOverview = cloneRaw(raw)
		return nil
	},
}

// apply mutates tree at path. Callers clone the tree first.
func apply(tree *AppState, path string, value json.RawMessage) error {
	l, ok := lenses[path]
	if !ok {
		return &UnknownPathError{Path: path}
	}
	return l(tree, value)
}

// Paths returns every writable path, sorted.
func Paths() []string {
	paths := make([]string, 0, len(lenses))
	for path := range lenses {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func decodeBool(dst *bool, raw json.RawMessage) error {
	var value bool
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("expected a boolean: %w", err)
	}
	*dst = value
	return nil
}

func decodeString(dst *string, raw json.RawMessage) error {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("expected a string: %w", err)
	}
	*dst = value
	return nil
}

func decodeInt64(dst *int64, raw json.RawMessage) error {
	var value int64
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("expected an integer: %w", err)
	}
	*dst = value
	return nil
}

func decodeStrings(dst *[]string, raw json.RawMessage) error {
	var value []string
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("expected an array of strings: %w", err)
	}
	*dst = value
	return nil
}
