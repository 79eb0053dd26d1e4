package crm

import "net/http"

// Logical dashboard actions. Every gateway data route maps to exactly one.
const (
	ActionDeals           = "deals"
	ActionDealTimeline    = "deal_timeline"
	ActionDealRiskScore   = "deal_risk_score"
	ActionDealConcerns    = "deal_concerns"
	ActionCompanyOverview = "company_overview"
	ActionPipelineSummary = "pipeline_summary"
	ActionChat            = "chat"
	ActionDealInsights    = "deal_insights"
)

// Action binds a logical action name to its backend call shape.
type Action struct {
	Name   string
	Method string
	Path   string

	// Query parameters forwarded to the backend; Required ones are checked
	// before any network I/O.
	Query    []string
	Required []string

	// RequiredBody lists JSON body fields that must be present and non-empty
	// on POST actions.
	RequiredBody []string
}

var actions = map[string]Action{
	ActionDeals: {
		Name:   ActionDeals,
		Method: http.MethodGet,
		Path:   "/api/deals",
		Query:  []string{"stage"},
	},
	ActionDealTimeline: {
		Name:     ActionDealTimeline,
		Method:   http.MethodGet,
		Path:     "/api/deals/timeline",
		Query:    []string{"deal_name", "timeframe"},
		Required: []string{"deal_name"},
	},
	ActionDealRiskScore: {
		Name:     ActionDealRiskScore,
		Method:   http.MethodGet,
		Path:     "/api/deals/risk-score",
		Query:    []string{"deal_name"},
		Required: []string{"deal_name"},
	},
	ActionDealConcerns: {
		Name:     ActionDealConcerns,
		Method:   http.MethodGet,
		Path:     "/api/deals/concerns",
		Query:    []string{"deal_name"},
		Required: []string{"deal_name"},
	},
	ActionCompanyOverview: {
		Name:     ActionCompanyOverview,
		Method:   http.MethodGet,
		Path:     "/api/company/overview",
		Query:    []string{"company_name"},
		Required: []string{"company_name"},
	},
	ActionPipelineSummary: {
		Name:   ActionPipelineSummary,
		Method: http.MethodGet,
		Path:   "/api/pipeline/summary",
		Query:  []string{"timeframe"},
	},
	ActionChat: {
		Name:         ActionChat,
		Method:       http.MethodPost,
		Path:         "/api/chat",
		RequiredBody: []string{"question"},
	},
	ActionDealInsights: {
		Name:   ActionDealInsights,
		Method: http.MethodPost,
		Path:   "/api/deals/insights",
	},
}

// Lookup returns the action table entry for name.
func Lookup(name string) (Action, bool) {
	action, ok := actions[name]
	return action, ok
}
