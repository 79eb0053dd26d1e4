package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// writeCSV renders the report as one row per deal, grouped by stage.
func writeCSV(report Report, filename string) (*Result, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"Stage", "Deal", "Company", "Amount", "Close Date"}); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, group := range report.Stages {
		for _, deal := range group.Deals {
			row := []string{group.Stage, deal.Name, deal.Company, deal.Amount, deal.CloseDate}
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("write csv row: %w", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	return &Result{
		Data:     buf.Bytes(),
		Filename: filename + ".csv",
		MimeType: "text/csv",
	}, nil
}
