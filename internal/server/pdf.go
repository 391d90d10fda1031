package server

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"github.com/zechsh/scan/internal/store"
)

var linkRe = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`) // [text](url)

// writeTranscriptPDF renders a chat transcript as a minimal PDF. Markdown in
// assistant answers is laid out line by line with basic heading support, no
// full Markdown rendering.
func writeTranscriptPDF(w io.Writer, session *store.Session, messages []store.Message) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 8, session.Title, "", "L", false)
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 6, session.CreatedAt.Format("2006-01-02 15:04 UTC"), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	for _, m := range messages {
		label := "You"
		if m.Role == store.RoleAssistant {
			label = "Assistant"
		}
		pdf.SetFont("Helvetica", "B", 11)
		pdf.CellFormat(0, 7, label, "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		writeBody(pdf, m.Content)
		pdf.Ln(5)
	}

	return pdf.Output(w)
}

func writeBody(pdf *gofpdf.Fpdf, text string) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		s := strings.TrimSpace(scanner.Text())
		if s == "" {
			pdf.Ln(4)
			continue
		}
		if strings.HasPrefix(s, "#") {
			i := 0
			for i < len(s) && s[i] == '#' {
				i++
			}
			heading := strings.TrimSpace(s[i:])
			if heading == "" {
				continue
			}
			size := 14.0
			if i >= 2 {
				size = 12.0
			}
			pdf.SetFont("Helvetica", "B", size)
			pdf.CellFormat(0, 8, heading, "", 1, "L", false, 0, "")
			pdf.SetFont("Helvetica", "", 11)
			continue
		}
		// Write markdown links as clickable segments, plain text between
		// them.
		parts := linkRe.FindAllStringSubmatchIndex(s, -1)
		if len(parts) == 0 {
			pdf.MultiCell(0, 5, s, "", "L", false)
			continue
		}
		pos := 0
		for _, m := range parts {
			if m[0] > pos {
				pdf.Write(5, s[pos:m[0]])
			}
			text := s[m[2]:m[3]]
			url := s[m[4]:m[5]]
			if strings.HasPrefix(url, "#") {
				pdf.Write(5, text)
			} else {
				pdf.WriteLinkString(5, text, url)
			}
			pos = m[1]
		}
		if pos < len(s) {
			pdf.Write(5, s[pos:])
		}
		pdf.Ln(6)
	}
}
