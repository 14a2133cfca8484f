package reports

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dustin/Landingstat/internal/stats"
)

type breakdownRow struct {
	Label string
	Count int
	Share float64
}

// sortedBreakdown orders by count, then label, so output is stable.
func sortedBreakdown(m map[string]int) []breakdownRow {
	total := 0
	for _, n := range m {
		total += n
	}
	rows := make([]breakdownRow, 0, len(m))
	for k, n := range m {
		row := breakdownRow{Label: k, Count: n}
		if total > 0 {
			row.Share = float64(n) / float64(total) * 100
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Label < rows[j].Label
	})
	return rows
}

func formatSeconds(s int64) string {
	return (time.Duration(s) * time.Second).String()
}

// WriteText renders snap as a plain-text console dashboard.
func WriteText(w io.Writer, snap stats.Snapshot) error {
	var b strings.Builder
	rule := strings.Repeat("=", 40)

	b.WriteString("Landing page dashboard\n")
	b.WriteString(rule + "\n\n")

	b.WriteString("Key figures:\n")
	fmt.Fprintf(&b, "  Total visitors:    %s\n", humanize.Comma(int64(snap.TotalVisitors)))
	fmt.Fprintf(&b, "  Today:             %s\n", humanize.Comma(int64(snap.TodayVisitors)))
	fmt.Fprintf(&b, "  Subscribers:       %s\n", humanize.Comma(int64(snap.TotalSubscribers)))
	fmt.Fprintf(&b, "  Conversion rate:   %s%%\n", snap.ConversionRate)
	fmt.Fprintf(&b, "  Avg session time:  %s\n", formatSeconds(snap.AvgSessionTimeSeconds))
	fmt.Fprintf(&b, "  Events stored:     %s\n", humanize.Comma(int64(snap.TotalEvents)))

	writeBreakdown(&b, "Visits by device", snap.DeviceBreakdown)
	writeBreakdown(&b, "Visits by browser", snap.BrowserBreakdown)
	writeBreakdown(&b, "Visits by OS", snap.OSBreakdown)

	fmt.Fprintf(&b, "\nLast %d visitors:\n", len(snap.RecentVisitors))
	if len(snap.RecentVisitors) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, v := range snap.RecentVisitors {
		fmt.Fprintf(&b, "  %s - %s (%s)\n", v.Time, v.Device, v.Referrer)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeBreakdown(b *strings.Builder, title string, m map[string]int) {
	fmt.Fprintf(b, "\n%s:\n", title)
	if len(m) == 0 {
		b.WriteString("  (none)\n")
		return
	}
	for _, row := range sortedBreakdown(m) {
		fmt.Fprintf(b, "  %-10s %6s  %5.1f%%\n", row.Label, humanize.Comma(int64(row.Count)), row.Share)
	}
}

// Text returns the plain-text dashboard.
func Text(snap stats.Snapshot) string {
	var b strings.Builder
	_ = WriteText(&b, snap)
	return b.String()
}

type breakdownSection struct {
	Heading string
	Column  string
	Rows    []breakdownRow
}

type htmlData struct {
	Snapshot    stats.Snapshot
	GeneratedAt time.Time
	Breakdowns  []breakdownSection
}

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"formatDate": func(t time.Time) string {
		return t.Format("January 2, 2006 15:04 MST")
	},
	"formatNumber": func(n int) string {
		return humanize.Comma(int64(n))
	},
	"formatPercent": func(f float64) string {
		return fmt.Sprintf("%.1f%%", f)
	},
	"formatSeconds": formatSeconds,
}).Parse(htmlTemplate))

// GenerateHTML renders snap as a standalone HTML page.
func GenerateHTML(snap stats.Snapshot, generatedAt time.Time) ([]byte, error) {
	data := htmlData{
		Snapshot:    snap,
		GeneratedAt: generatedAt,
		Breakdowns: []breakdownSection{
			{Heading: "Devices", Column: "Device", Rows: sortedBreakdown(snap.DeviceBreakdown)},
			{Heading: "Browsers", Column: "Browser", Rows: sortedBreakdown(snap.BrowserBreakdown)},
			{Heading: "Operating Systems", Column: "OS", Rows: sortedBreakdown(snap.OSBreakdown)},
		},
	}
	var buf bytes.Buffer
	if err := dashboardTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Landingstat Dashboard</title>
    <style>
        :root {
            --bg-primary: #ffffff;
            --bg-secondary: #f3f4f6;
            --text-primary: #111827;
            --text-secondary: #6b7280;
            --border-color: #e5e7eb;
            --accent-color: #3b82f6;
        }
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, 'Helvetica Neue', Arial, sans-serif;
            line-height: 1.6;
            color: var(--text-primary);
            padding: 2rem;
            max-width: 1000px;
            margin: 0 auto;
        }
        header { margin-bottom: 2rem; padding-bottom: 1rem; border-bottom: 2px solid var(--border-color); }
        h1 { font-size: 1.875rem; font-weight: 700; }
        h2 { font-size: 1.25rem; font-weight: 600; margin-bottom: 1rem; }
        .subtitle { color: var(--text-secondary); font-size: 0.875rem; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 1rem; margin-bottom: 2rem; }
        .card { background: var(--bg-secondary); border-radius: 0.5rem; padding: 1rem; }
        .card-title { font-size: 0.75rem; color: var(--text-secondary); text-transform: uppercase; }
        .card-value { font-size: 1.5rem; font-weight: 600; }
        .section { margin-bottom: 2rem; }
        table { width: 100%; border-collapse: collapse; font-size: 0.875rem; }
        th, td { text-align: left; padding: 0.5rem 0.75rem; border-bottom: 1px solid var(--border-color); }
        th { background: var(--bg-secondary); }
        .number { text-align: right; font-variant-numeric: tabular-nums; }
        footer { margin-top: 3rem; text-align: center; color: var(--text-secondary); font-size: 0.75rem; }
    </style>
</head>
<body>
    <header>
        <h1>Landing page dashboard</h1>
        <div class="subtitle">Generated {{formatDate .GeneratedAt}}</div>
    </header>

    <section class="section">
        <div class="grid">
            <div class="card"><div class="card-title">Total Visitors</div><div class="card-value">{{formatNumber .Snapshot.TotalVisitors}}</div></div>
            <div class="card"><div class="card-title">Today</div><div class="card-value">{{formatNumber .Snapshot.TodayVisitors}}</div></div>
            <div class="card"><div class="card-title">Subscribers</div><div class="card-value">{{formatNumber .Snapshot.TotalSubscribers}}</div></div>
            <div class="card"><div class="card-title">Conversion Rate</div><div class="card-value">{{.Snapshot.ConversionRate}}%</div></div>
            <div class="card"><div class="card-title">Avg Session</div><div class="card-value">{{formatSeconds .Snapshot.AvgSessionTimeSeconds}}</div></div>
        </div>
    </section>
    {{range .Breakdowns}}
    <section class="section">
        <h2>{{.Heading}}</h2>
        <table>
            <thead><tr><th>{{.Column}}</th><th class="number">Visits</th><th class="number">Percent</th></tr></thead>
            <tbody>
                {{range .Rows}}
                <tr><td>{{.Label}}</td><td class="number">{{formatNumber .Count}}</td><td class="number">{{formatPercent .Share}}</td></tr>
                {{else}}
                <tr><td colspan="3">No visits yet</td></tr>
                {{end}}
            </tbody>
        </table>
    </section>
    {{end}}

    <section class="section">
        <h2>Recent Visitors</h2>
        <table>
            <thead><tr><th>Time</th><th>Device</th><th>Referrer</th></tr></thead>
            <tbody>
                {{range .Snapshot.RecentVisitors}}
                <tr><td>{{.Time}}</td><td>{{.Device}}</td><td>{{.Referrer}}</td></tr>
                {{else}}
                <tr><td colspan="3">No visits yet</td></tr>
                {{end}}
            </tbody>
        </table>
    </section>

    <footer>
        <p>Generated by Landingstat</p>
    </footer>
</body>
</html>`
