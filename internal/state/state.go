package state

import "encoding/json"

// Subtree names one of the three independently fetched regions of the tree.
type Subtree string

const (
	SubtreeDealTimeline     Subtree = "dealTimeline"
	SubtreeDealsByStage     Subtree = "dealsByStage"
	SubtreePipelineControls Subtree = "pipelineControls"
)

// Subtrees returns every subtree in a fixed order.
func Subtrees() []Subtree {
	return []Subtree{SubtreeDealTimeline, SubtreeDealsByStage, SubtreePipelineControls}
}

// AppState is the dashboard state tree for one browser. Backend payloads are
// held as raw JSON; the gateway never reshapes them.
type AppState struct {
	DealTimeline     DealTimelineState     `json:"dealTimeline"`
	DealsByStage     DealsByStageState     `json:"dealsByStage"`
	PipelineControls PipelineControlsState `json:"pipelineControls"`
}

// DealTimelineState backs the single-deal drill-down view: the selected deal,
// its activity timeline, and its risk assessment.
type DealTimelineState struct {
	Loading      bool            `json:"loading"`
	Error        string          `json:"error"`
	LastFetched  int64           `json:"lastFetched"`
	SelectedDeal json.RawMessage `json:"selectedDeal"`
	Timeframe    string          `json:"timeframe"`
	Deals        json.RawMessage `json:"deals"`
	Activities   json.RawMessage `json:"activities"`
	RiskScore    json.RawMessage `json:"riskScore"`
	Concerns     json.RawMessage `json:"concerns"`
}

// DealsByStageState backs the pipeline board grouped by stage.
type DealsByStageState struct {
	Loading         bool            `json:"loading"`
	Error           string          `json:"error"`
	LastFetched     int64           `json:"lastFetched"`
	AvailableStages []string        `json:"availableStages"`
	SelectedStage   string          `json:"selectedStage"`
	DealsByStage    json.RawMessage `json:"dealsByStage"`
}

// PipelineControlsState backs the summary strip and company overview panel.
type PipelineControlsState struct {
	Loading         bool            `json:"loading"`
	Error           string          `json:"error"`
	LastFetched     int64           `json:"lastFetched"`
	Timeframe       string          `json:"timeframe"`
	Summary         json.RawMessage `json:"summary"`
	CompanyOverview json.RawMessage `json:"companyOverview"`
}

// Defaults returns a fresh tree with every subtree at rest.
func Defaults() *AppState {
	return &AppState{}
}

// Clone returns a structurally independent copy of the tree. Raw payloads and
// slices are copied so snapshots handed out earlier never alias the live tree.
func (s *AppState) Clone() *AppState {
	clone := *s
	clone.DealTimeline.SelectedDeal = cloneRaw(s.DealTimeline.SelectedDeal)
	clone.DealTimeline.Deals = cloneRaw(s.DealTimeline.Deals)
	clone.DealTimeline.Activities = cloneRaw(s.DealTimeline.Activities)
	clone.DealTimeline.RiskScore = cloneRaw(s.DealTimeline.RiskScore)
	clone.DealTimeline.Concerns = cloneRaw(s.DealTimeline.Concerns)
	clone.DealsByStage.AvailableStages = append([]string(nil), s.DealsByStage.AvailableStages...)
	clone.DealsByStage.DealsByStage = cloneRaw(s.DealsByStage.DealsByStage)
	clone.PipelineControls.Summary = cloneRaw(s.PipelineControls.Summary)
	clone.PipelineControls.CompanyOverview = cloneRaw(s.PipelineControls.CompanyOverview)
	return &clone
}

// Reduced returns a copy of the tree with the bulk payloads dropped: the
// timeline deal and activity listings and the per-stage deal board. Selection
// and summary fields survive so a restored session keeps its shape even when
// the full tree cannot be persisted.
func (s *AppState) Reduced() *AppState {
	reduced := s.Clone()
	reduced.DealTimeline.Deals = nil
	reduced.DealTimeline.Activities = nil
	reduced.DealsByStage.DealsByStage = nil
	return reduced
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func (s *AppState) loading(sub Subtree) bool {
	switch sub {
	case SubtreeDealTimeline:
		return s.DealTimeline.Loading
	case SubtreeDealsByStage:
		return s.DealsByStage.Loading
	case SubtreePipelineControls:
		return s.PipelineControls.Loading
	}
	return false
}

func (s *AppState) setLoading(sub Subtree, loading bool) {
	switch sub {
	case SubtreeDealTimeline:
		s.DealTimeline.Loading = loading
	case SubtreeDealsByStage:
		s.DealsByStage.Loading = loading
	case SubtreePipelineControls:
		s.PipelineControls.Loading = loading
	}
}

func (s *AppState) clearLoading() {
	for _, sub := range Subtrees() {
		s.setLoading(sub, false)
	}
}
