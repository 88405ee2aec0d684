package report

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"
	"time"

	"evidence-custody/internal/domain/model"
)

// Format 是报告输出格式。
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
	FormatJSON Format = "json"
	FormatPDF  Format = "pdf"
)

// ParseFormat 解析格式名，未知格式返回校验错误。
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatHTML, FormatJSON, FormatPDF:
		return f, nil
	case "txt":
		return FormatText, nil
	case "":
		return FormatText, nil
	default:
		return "", model.Invalid("format", fmt.Sprintf("unsupported report format %q", s))
	}
}

// Ext 返回落盘文件扩展名。
func (f Format) Ext() string {
	switch f {
	case FormatHTML:
		return ".html"
	case FormatJSON:
		return ".json"
	case FormatPDF:
		return ".pdf"
	default:
		return ".txt"
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatJSON:
		return "application/json"
	case FormatPDF:
		return "application/pdf"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Render 把 Bundle 按指定格式写出。
func Render(w io.Writer, b *Bundle, f Format) error {
	switch f {
	case FormatText:
		return renderText(w, b)
	case FormatHTML:
		return renderHTML(w, b)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	case FormatPDF:
		return renderPDF(w, b)
	default:
		return model.Invalid("format", fmt.Sprintf("unsupported report format %q", f))
	}
}

func renderText(w io.Writer, b *Bundle) error {
	var sb strings.Builder
	c := b.Case

	sb.WriteString("CHAIN OF CUSTODY REPORT\n")
	sb.WriteString(strings.Repeat("=", 60) + "\n")
	fmt.Fprintf(&sb, "Case Number: %s\n", c.CaseNumber)
	fmt.Fprintf(&sb, "Title: %s\n", c.Title)
	fmt.Fprintf(&sb, "Status: %s\n", c.Status)
	fmt.Fprintf(&sb, "Priority: %s\n", c.Priority)
	fmt.Fprintf(&sb, "Assigned To: %s\n", dash(c.AssignedTo))
	fmt.Fprintf(&sb, "Client: %s\n", dash(c.ClientName))
	fmt.Fprintf(&sb, "Created: %s\n", fmtTime(c.CreatedAt))
	fmt.Fprintf(&sb, "Generated: %s\n", fmtTime(b.GeneratedAt))
	if b.GeneratedBy != "" {
		fmt.Fprintf(&sb, "Generated By: %s\n", b.GeneratedBy)
	}
	sb.WriteString("\n")

	s := b.Summary
	fmt.Fprintf(&sb, "Evidence Items: %d (deleted=%d)\n", s.EvidenceCount, s.DeletedCount)
	fmt.Fprintf(&sb, "Integrity Failures: %d\n", s.IntegrityFailures)
	fmt.Fprintf(&sb, "Invalid Custody Chains: %d\n", s.InvalidChains)
	sb.WriteString("\n")

	if len(b.Notes) > 0 {
		sb.WriteString("NOTES\n")
		sb.WriteString(strings.Repeat("-", 60) + "\n")
		for _, n := range b.Notes {
			fmt.Fprintf(&sb, "[%s] %s: %s\n", fmtTime(n.CreatedAt), n.Author, n.Body)
		}
		sb.WriteString("\n")
	}

	for i, it := range b.Items {
		ev := it.Evidence
		fmt.Fprintf(&sb, "EVIDENCE #%d: %s\n", i+1, ev.Name)
		sb.WriteString(strings.Repeat("-", 60) + "\n")
		fmt.Fprintf(&sb, "ID: %s\n", ev.ID)
		fmt.Fprintf(&sb, "Category: %s\n", dash(ev.Category))
		fmt.Fprintf(&sb, "Original Hash: %s\n", ev.OriginalHash)
		fmt.Fprintf(&sb, "Current Hash: %s\n", ev.CurrentHash)
		fmt.Fprintf(&sb, "Integrity: %s\n", integrityLabel(ev))
		if ev.Deleted {
			fmt.Fprintf(&sb, "Deleted: %s\n", fmtTimePtr(ev.DeletedAt))
		}
		fmt.Fprintf(&sb, "Chain: %s\n", chainLabel(it.Verification.Valid))
		for _, e := range it.Verification.Errors {
			fmt.Fprintf(&sb, "  ! %s\n", e)
		}
		for j, e := range ev.ChainOfCustody {
			fmt.Fprintf(&sb, "  %d. %s  %-12s  %s%s\n", j+1, fmtTime(e.Timestamp), e.Action.String(), e.Actor, metaSuffix(e.Metadata))
		}
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"fmtTime":   fmtTime,
	"integrity": integrityLabel,
	"chain":     chainLabel,
	"meta":      metaSuffix,
	"dash":      dash,
	"inc":       func(i int) int { return i + 1 },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Chain of Custody Report - {{.Case.CaseNumber}}</title>
</head>
<body>
<h1>Chain of Custody Report</h1>
<table>
<tr><th>Case Number</th><td>{{.Case.CaseNumber}}</td></tr>
<tr><th>Title</th><td>{{.Case.Title}}</td></tr>
<tr><th>Status</th><td>{{.Case.Status}}</td></tr>
<tr><th>Priority</th><td>{{.Case.Priority}}</td></tr>
<tr><th>Assigned To</th><td>{{dash .Case.AssignedTo}}</td></tr>
<tr><th>Generated</th><td>{{fmtTime .GeneratedAt}}</td></tr>
<tr><th>Evidence Items</th><td>{{.Summary.EvidenceCount}}</td></tr>
<tr><th>Integrity Failures</th><td>{{.Summary.IntegrityFailures}}</td></tr>
<tr><th>Invalid Custody Chains</th><td>{{.Summary.InvalidChains}}</td></tr>
</table>
{{if .Notes}}<h2>Notes</h2>
<ul>{{range .Notes}}
<li>{{fmtTime .CreatedAt}} {{.Author}}: {{.Body}}</li>{{end}}
</ul>{{end}}
{{range $i, $it := .Items}}
<h2>Evidence #{{inc $i}}: {{$it.Evidence.Name}}</h2>
<p>ID: {{$it.Evidence.ID}}<br>
Original Hash: <code>{{$it.Evidence.OriginalHash}}</code><br>
Current Hash: <code>{{$it.Evidence.CurrentHash}}</code><br>
Integrity: {{integrity $it.Evidence}}<br>
Chain: {{chain $it.Verification.Valid}}</p>
{{if $it.Verification.Errors}}<ul class="errors">{{range $it.Verification.Errors}}
<li>{{.}}</li>{{end}}
</ul>{{end}}
<table>
<tr><th>#</th><th>Time</th><th>Action</th><th>Actor</th><th>Metadata</th></tr>{{range $j, $e := $it.Evidence.ChainOfCustody}}
<tr><td>{{inc $j}}</td><td>{{fmtTime $e.Timestamp}}</td><td>{{$e.Action}}</td><td>{{$e.Actor}}</td><td>{{meta $e.Metadata}}</td></tr>{{end}}
</table>
{{end}}
</body>
</html>
`))

func renderHTML(w io.Writer, b *Bundle) error {
	return htmlTemplate.Execute(w, b)
}

func integrityLabel(ev model.Evidence) string {
	if ev.IntegrityVerified {
		return "VERIFIED"
	}
	return "MISMATCH"
}

func chainLabel(valid bool) string {
	if valid {
		return "VALID"
	}
	return "INVALID"
}

func metaSuffix(md map[string]any) string {
	if len(md) == 0 {
		return ""
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, md[k]))
	}
	return "  (" + strings.Join(parts, ", ") + ")"
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmtTime(*t)
}
