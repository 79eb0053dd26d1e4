package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Fetcher loads the backend payloads a report is built from. The app layer
// implements it over the proxy client, so report data flows through the same
// header and timeout rules as every other backend call.
type Fetcher interface {
	PipelineSummary(ctx context.Context) (json.RawMessage, error)
	DealsByStage(ctx context.Context) (json.RawMessage, error)
}

// Service renders pipeline reports.
type Service struct{}

// NewService creates an export service.
func NewService() *Service {
	return &Service{}
}

// Export fetches the pipeline data and renders it in the requested format.
func (s *Service) Export(ctx context.Context, fetch Fetcher, req Request) (*Result, error) {
	summary, err := fetch.PipelineSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: pipeline summary: %v", ErrReportUnavailable, err)
	}
	deals, err := fetch.DealsByStage(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: deals by stage: %v", ErrReportUnavailable, err)
	}

	report := buildReport(summary, deals, req.Timeframe)
	report.GeneratedAt = time.Now()

	filename := reportFilename(req.Timeframe)
	switch req.Format {
	case FormatCSV:
		return writeCSV(report, filename)
	case FormatPDF:
		html, err := RenderReportHTML(report)
		if err != nil {
			return nil, fmt.Errorf("render report: %w", err)
		}
		return printPDF(html, filename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func reportFilename(timeframe string) string {
	name := "pipeline-report"
	if timeframe != "" {
		name += "-" + timeframe
	}
	return sanitizeFilename(name)
}
