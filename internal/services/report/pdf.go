package report

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/phpdave11/gofpdf"
)

// PDF 报告是二进制产物，只能通过下载接口获取，不做内联预览。

func renderPDF(w io.Writer, b *Bundle) error {
	pdf := buildPDF(b)
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func buildPDF(b *Bundle) *gofpdf.Fpdf {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("Chain of Custody Report - "+b.Case.CaseNumber, false)

	fontFamily, utf8OK := initPDFUnicodeFont(pdf)

	pdf.AddPage()

	pdf.SetFont(fontFamily, "B", 16)
	pdf.CellFormat(0, 9, "Chain of Custody Report", "", 1, "L", false, 0, "")

	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", fmtTime(b.GeneratedAt)), "", 1, "L", false, 0, "")
	if b.GeneratedBy != "" {
		pdf.CellFormat(0, 6, fmt.Sprintf("Operator: %s", safeText(b.GeneratedBy, utf8OK)), "", 1, "L", false, 0, "")
	}
	pdf.Ln(2)

	c := b.Case
	sectionTitle(pdf, fontFamily, "1. Case")
	kv(pdf, fontFamily, utf8OK, "Case Number", c.CaseNumber)
	kv(pdf, fontFamily, utf8OK, "Title", c.Title)
	kv(pdf, fontFamily, utf8OK, "Status", string(c.Status))
	kv(pdf, fontFamily, utf8OK, "Priority", string(c.Priority))
	kv(pdf, fontFamily, utf8OK, "Assigned To", c.AssignedTo)
	kv(pdf, fontFamily, utf8OK, "Client", c.ClientName)
	kv(pdf, fontFamily, utf8OK, "Created", fmtTime(c.CreatedAt))
	kv(pdf, fontFamily, utf8OK, "Evidence Items", fmt.Sprintf("%d (deleted=%d)", b.Summary.EvidenceCount, b.Summary.DeletedCount))
	kv(pdf, fontFamily, utf8OK, "Integrity Fail", fmt.Sprintf("%d", b.Summary.IntegrityFailures))
	kv(pdf, fontFamily, utf8OK, "Invalid Chains", fmt.Sprintf("%d", b.Summary.InvalidChains))
	pdf.Ln(2)

	if !utf8OK {
		sectionTitle(pdf, fontFamily, "Warnings")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(120, 80, 0)
		pdf.MultiCell(0, 4.5, "- pdf utf8 font not available; non-ascii text may be replaced with '?'", "", "L", false)
		pdf.Ln(2)
	}

	if len(b.Notes) > 0 {
		sectionTitle(pdf, fontFamily, "2. Notes")
		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(30, 30, 30)
		for _, n := range b.Notes {
			pdf.MultiCell(0, 4.5, fmt.Sprintf("[%s] %s: %s", fmtTime(n.CreatedAt), safeText(n.Author, utf8OK), safeText(n.Body, utf8OK)), "", "L", false)
		}
		pdf.Ln(2)
	}

	sectionTitle(pdf, fontFamily, "3. Evidence and Chain of Custody")
	if len(b.Items) == 0 {
		pdf.SetFont(fontFamily, "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(empty)", "", "L", false)
	}
	for i, it := range b.Items {
		ev := it.Evidence
		pdf.SetFont(fontFamily, "B", 11)
		pdf.SetTextColor(20, 20, 20)
		pdf.CellFormat(0, 6, fmt.Sprintf("Evidence #%d: %s", i+1, safeText(ev.Name, utf8OK)), "", 1, "L", false, 0, "")
		kv(pdf, fontFamily, utf8OK, "Evidence ID", ev.ID)
		kv(pdf, fontFamily, utf8OK, "Original Hash", ev.OriginalHash)
		kv(pdf, fontFamily, utf8OK, "Current Hash", ev.CurrentHash)
		kv(pdf, fontFamily, utf8OK, "Integrity", integrityLabel(ev))
		kv(pdf, fontFamily, utf8OK, "Chain", chainLabel(it.Verification.Valid))
		if ev.Deleted {
			kv(pdf, fontFamily, utf8OK, "Deleted At", fmtTimePtr(ev.DeletedAt))
		}

		if len(it.Verification.Errors) > 0 {
			pdf.SetFont(fontFamily, "", 9)
			pdf.SetTextColor(160, 30, 30)
			for _, e := range it.Verification.Errors {
				pdf.MultiCell(0, 4.5, "! "+safeText(e, utf8OK), "", "L", false)
			}
		}

		pdf.SetFont(fontFamily, "", 9)
		pdf.SetTextColor(40, 40, 40)
		for j, e := range ev.ChainOfCustody {
			line := fmt.Sprintf("%d. %s | %s | %s%s", j+1, fmtTime(e.Timestamp), e.Action.String(), e.Actor, metaSuffix(e.Metadata))
			pdf.MultiCell(0, 4.5, safeText(line, utf8OK), "", "L", false)
		}
		pdf.Ln(2)
	}

	return pdf
}

func sectionTitle(pdf *gofpdf.Fpdf, fontFamily string, title string) {
	pdf.SetFont(fontFamily, "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 196, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, fontFamily string, utf8OK bool, key string, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont(fontFamily, "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont(fontFamily, "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value, utf8OK), "", "L", false)
}

// safeText 在没有 UTF-8 字体时把非 ASCII 字符替换为 '?'，保证 PDF 一定能生成。
func safeText(s string, utf8OK bool) string {
	s = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ").Replace(s)
	s = strings.TrimSpace(s)
	if utf8OK {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}

// initPDFUnicodeFont 尝试加载 UTF-8 字体：先看 CUSTODY_PDF_FONT，再探测常见系统字体。
// 都失败时回退到 Helvetica。
func initPDFUnicodeFont(pdf *gofpdf.Fpdf) (family string, utf8OK bool) {
	const familyName = "unicode"
	candidates := []string{}

	if v := strings.TrimSpace(os.Getenv("CUSTODY_PDF_FONT")); v != "" {
		candidates = append(candidates, v)
	}

	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/System/Library/Fonts/Supplemental/Arial Unicode.ttf",
			"/System/Library/Fonts/PingFang.ttc",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Windows\Fonts\arialuni.ttf`,
			`C:\Windows\Fonts\simhei.ttf`,
		)
	default:
		candidates = append(candidates,
			"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
			"/usr/share/fonts/truetype/noto/NotoSansCJK-Regular.ttc",
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		pdf.AddUTF8Font(familyName, "", p)
		if pdf.Err() {
			pdf.ClearError()
			continue
		}
		// bold 失败不致命，清错后仍可用 regular
		pdf.AddUTF8Font(familyName, "B", p)
		if pdf.Err() {
			pdf.ClearError()
		}
		return familyName, true
	}

	return "Helvetica", false
}
