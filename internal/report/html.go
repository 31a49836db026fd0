package report

import (
	"html/template"
	"io"
	"sort"
	"strconv"
	"time"

	"proctorguard/internal/model"
)

var page = template.Must(template.New("report").Funcs(template.FuncMap{
	"fixed": func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Proctoring report {{.Report.SessionID}}</title>
<style>
body{font-family:sans-serif;margin:2rem;color:#111827}
table{border-collapse:collapse;margin:1rem 0}
td,th{border:1px solid #d1d5db;padding:.3rem .6rem;text-align:left}
.level{font-size:1.4rem;font-weight:bold}
</style>
</head>
<body>
<h1>Proctoring report</h1>
<p>Session <code>{{.Report.SessionID}}</code>{{with .Report.UserID}} for <code>{{.}}</code>{{end}}, generated {{.Generated}}</p>
<p class="level">Suspicion level {{fixed .Report.SuspicionLevel}} / 10 ({{.Report.Result}})</p>
{{with .Report.Message}}<p><em>{{.}}</em></p>{{end}}
{{with .Report.Conclusion}}<p>{{.}}</p>{{end}}
<img alt="severity chart" src="{{.Chart}}">
<h2>Anomalies</h2>
{{if .Report.Anomalies}}<table>
<tr><th>Type</th><th>Subtype</th><th>Severity</th><th>Description</th></tr>
{{range .Report.Anomalies}}<tr><td>{{.Type}}</td><td>{{.Subtype}}</td><td>{{.Severity}}</td><td>{{.Description}}</td></tr>
{{end}}</table>{{else}}<p>None detected.</p>{{end}}
<h2>Metrics</h2>
<table>
{{range .Metrics}}<tr><td>{{.Name}}</td><td>{{fixed .Value}}</td></tr>
{{end}}</table>
<p>Sensitivity {{.Report.Sensitivity}}</p>
</body>
</html>
`))

type metricRow struct {
	Name  string
	Value float64
}

type pageData struct {
	Report    *model.AnalysisReport
	Chart     template.URL
	Generated string
	Metrics   []metricRow
}

func RenderHTML(w io.Writer, r *model.AnalysisReport) error {
	uri, err := ChartDataURI(r)
	if err != nil {
		return err
	}
	rows := make([]metricRow, 0, len(r.Metrics))
	for k, v := range r.Metrics {
		rows = append(rows, metricRow{Name: k, Value: v})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return page.Execute(w, pageData{
		Report:    r,
		Chart:     template.URL(uri),
		Generated: ts.Format(time.RFC3339),
		Metrics:   rows,
	})
}
