package render

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"olmconv/extract"
)

// txtRenderer writes the classic human-readable export: a banner with the
// generation time, numbered divider blocks per email, and a closing
// trailer.
type txtRenderer struct{}

var (
	txtDivider    = strings.Repeat("=", 80)
	txtSubDivider = strings.Repeat("-", 80)
)

func (txtRenderer) Name() string { return "txt" }

func (txtRenderer) Ext() string { return "txt" }

func (txtRenderer) Render(w io.Writer, res *extract.Result) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, txtDivider)
	fmt.Fprintf(bw, "EMAIL EXPORT - %s\n", res.Finished.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(bw, "Total Emails: %d\n", len(res.Records))
	fmt.Fprintf(bw, "%s\n\n", txtDivider)

	for i := range res.Records {
		rec := &res.Records[i]

		fmt.Fprintf(bw, "\n%s\n", txtDivider)
		fmt.Fprintf(bw, "EMAIL #%d\n", i+1)
		fmt.Fprintf(bw, "%s\n\n", txtDivider)

		fmt.Fprintf(bw, "Date:    %s\n", orNA(dateString(rec.Date)))
		fmt.Fprintf(bw, "From:    %s\n", orNA(strings.Join(rec.From, ", ")))
		fmt.Fprintf(bw, "To:      %s\n", orNA(strings.Join(rec.To, ", ")))
		if len(rec.Cc) > 0 {
			fmt.Fprintf(bw, "CC:      %s\n", strings.Join(rec.Cc, ", "))
		}
		subject := rec.Subject
		if subject == "" {
			subject = "(No Subject)"
		}
		fmt.Fprintf(bw, "Subject: %s\n", subject)
		if len(rec.Attachments) > 0 {
			fmt.Fprintf(bw, "Attachments: %s\n", joinAttachmentNames(rec.Attachments))
		}

		fmt.Fprintf(bw, "\n%s\n", txtSubDivider)
		fmt.Fprintln(bw, "MESSAGE BODY:")
		fmt.Fprintf(bw, "%s\n\n", txtSubDivider)

		body := rec.PreferredBody()
		if body == "" {
			body = "(No content)"
		}
		fmt.Fprintf(bw, "%s\n\n", body)
	}

	fmt.Fprintf(bw, "\n%s\n", txtDivider)
	fmt.Fprintf(bw, "END OF EXPORT - %d emails processed\n", len(res.Records))
	fmt.Fprintln(bw, txtDivider)

	return bw.Flush()
}
