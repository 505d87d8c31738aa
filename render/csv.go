package render

import (
	"encoding/csv"
	"io"
	"strings"

	"olmconv/extract"
)

// csvRenderer writes one row per record under a fixed header. Embedded
// newlines, quotes and separators are handled by standard CSV quoting, so
// a compliant reader always gets exactly one row back per email.
type csvRenderer struct{}

var csvHeader = []string{"Date", "From", "To", "CC", "Subject", "Body", "Attachments"}

func (csvRenderer) Name() string { return "csv" }

func (csvRenderer) Ext() string { return "csv" }

func (csvRenderer) Render(w io.Writer, res *extract.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	for i := range res.Records {
		rec := &res.Records[i]
		row := []string{
			dateString(rec.Date),
			strings.Join(rec.From, ", "),
			strings.Join(rec.To, ", "),
			strings.Join(rec.Cc, ", "),
			rec.Subject,
			rec.PreferredBody(),
			joinAttachmentNames(rec.Attachments),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
