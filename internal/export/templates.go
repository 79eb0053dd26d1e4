package export

import (
	"bytes"
	"html/template"
)

var reportTemplate = template.Must(template.New("report").Parse(reportHTML))

// RenderReportHTML renders the printable pipeline report page.
func RenderReportHTML(report Report) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Pipeline Report</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .metrics { margin-bottom: 2rem; }
    .metric { display: inline-block; background: #f5f5f5; padding: 0.75rem 1rem; margin: 0 0.75rem 0.75rem 0; border-left: 3px solid #333; }
    .metric .label { color: #666; font-size: 0.8em; text-transform: uppercase; }
    .metric .value { font-size: 1.3em; font-weight: bold; }
    table { width: 100%; border-collapse: collapse; }
    th, td { text-align: left; padding: 0.4rem 0.6rem; border-bottom: 1px solid #ddd; }
    th { background: #f5f5f5; }
  </style>
</head>
<body>
  <h1>Pipeline Report</h1>
  <div class="meta">{{if .Timeframe}}Timeframe: {{.Timeframe}} | {{end}}Generated {{.GeneratedAt.Format "Jan 2, 2006 15:04"}}</div>
  {{if .Metrics}}
  <div class="metrics">
    {{range .Metrics}}<div class="metric"><div class="label">{{.Label}}</div><div class="value">{{.Value}}</div></div>{{end}}
  </div>
  {{end}}
  {{range .Stages}}
  <h2>{{.Stage}}</h2>
  <table>
    <tr><th>Deal</th><th>Company</th><th>Amount</th><th>Close Date</th></tr>
    {{range .Deals}}<tr><td>{{.Name}}</td><td>{{.Company}}</td><td>{{.Amount}}</td><td>{{.CloseDate}}</td></tr>{{end}}
  </table>
  {{end}}
  {{if not .Stages}}<p>No deal listings were available for this report.</p>{{end}}
</body>
</html>`
