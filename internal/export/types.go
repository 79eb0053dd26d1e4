// Package export renders pipeline reports as PDF or CSV downloads.
package export

import "errors"

// Format selects the export output format.
type Format string

const (
	FormatPDF Format = "pdf"
	FormatCSV Format = "csv"
)

// Request contains parameters for one report export.
type Request struct {
	Format    Format
	Timeframe string
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrReportUnavailable indicates report data could not be loaded from the backend.
	ErrReportUnavailable = errors.New("export report data unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
