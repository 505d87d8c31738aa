package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-pdf/fpdf"

	"olmconv/extract"
	"olmconv/model"
)

// pdfRenderer writes a printable export: a title page, then each email
// starting on its own page. Long bodies flow across page breaks instead of
// being truncated.
type pdfRenderer struct{}

func (pdfRenderer) Name() string { return "pdf" }

func (pdfRenderer) Ext() string { return "pdf" }

func (pdfRenderer) Render(w io.Writer, res *extract.Result) error {
	doc := fpdf.New("P", "pt", "Letter", "")
	// Pin the metadata timestamp so identical results produce identical
	// bytes.
	doc.SetCreationDate(res.Finished)
	doc.SetModificationDate(res.Finished)
	doc.SetTitle("Email Export", true)
	doc.SetMargins(54, 54, 54)
	doc.SetAutoPageBreak(true, 54)
	tr := doc.UnicodeTranslatorFromDescriptor("")

	doc.AddPage()
	doc.SetFont("Helvetica", "B", 18)
	doc.CellFormat(0, 24, tr("Email Export"), "", 1, "L", false, 0, "")
	doc.Ln(6)
	doc.SetFont("Helvetica", "", 11)
	doc.CellFormat(0, 16, tr(fmt.Sprintf("%d messages", len(res.Records))), "", 1, "L", false, 0, "")
	doc.CellFormat(0, 16, tr("Generated "+res.Finished.Format("2006-01-02 15:04:05")), "", 1, "L", false, 0, "")

	for i := range res.Records {
		rec := &res.Records[i]

		doc.AddPage()
		doc.SetFont("Helvetica", "B", 13)
		subject := rec.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		doc.MultiCell(0, 17, tr(fmt.Sprintf("Email #%d: %s", i+1, subject)), "", "L", false)
		doc.Ln(4)

		doc.SetFont("Helvetica", "", 10)
		for _, line := range pdfHeaderLines(rec) {
			doc.MultiCell(0, 13, tr(line), "", "L", false)
		}
		doc.Ln(10)

		body := rec.PreferredBody()
		if body == "" {
			body = "(no content)"
		}
		doc.MultiCell(0, 13, tr(body), "", "L", false)
	}

	if doc.Err() {
		return doc.Error()
	}
	return doc.Output(w)
}

func pdfHeaderLines(rec *model.EmailRecord) []string {
	lines := []string{
		"Date: " + orNA(dateString(rec.Date)),
		"From: " + orNA(strings.Join(rec.From, ", ")),
		"To: " + orNA(strings.Join(rec.To, ", ")),
	}
	if len(rec.Cc) > 0 {
		lines = append(lines, "CC: "+strings.Join(rec.Cc, ", "))
	}
	if len(rec.Attachments) > 0 {
		lines = append(lines, "Attachments: "+joinAttachmentNames(rec.Attachments))
	}
	return lines
}
