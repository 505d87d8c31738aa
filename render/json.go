package render

import (
	"encoding/json"
	"io"
	"time"

	"olmconv/extract"
	"olmconv/model"
)

// jsonRenderer writes the machine-readable export. Absent optional fields
// are emitted as explicit nulls so consumers can distinguish "missing"
// from "empty string".
type jsonRenderer struct{}

type jsonAttachment struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

type jsonEmail struct {
	Date        *time.Time       `json:"date"`
	From        []string         `json:"from"`
	To          []string         `json:"to"`
	Cc          []string         `json:"cc"`
	Bcc         []string         `json:"bcc"`
	Subject     *string          `json:"subject"`
	BodyPlain   *string          `json:"body_plain"`
	BodyHTML    *string          `json:"body_html"`
	Attachments []jsonAttachment `json:"attachments"`
	SourceEntry string           `json:"source_entry"`
	Checksum    string           `json:"checksum"`
	Strategy    string           `json:"source_strategy"`
	Warnings    []string         `json:"warnings"`
}

type jsonDocument struct {
	JobID       string      `json:"job_id"`
	Source      string      `json:"source"`
	Container   string      `json:"container"`
	ExportDate  time.Time   `json:"export_date"`
	TotalEmails int         `json:"total_emails"`
	Emails      []jsonEmail `json:"emails"`
}

func (jsonRenderer) Name() string { return "json" }

func (jsonRenderer) Ext() string { return "json" }

func (jsonRenderer) Render(w io.Writer, res *extract.Result) error {
	doc := jsonDocument{
		JobID:       res.JobID,
		Source:      res.Source,
		Container:   res.Container,
		ExportDate:  res.Finished,
		TotalEmails: len(res.Records),
		Emails:      make([]jsonEmail, 0, len(res.Records)),
	}
	for i := range res.Records {
		doc.Emails = append(doc.Emails, toJSONEmail(&res.Records[i]))
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(doc)
}

func toJSONEmail(rec *model.EmailRecord) jsonEmail {
	email := jsonEmail{
		Date:        rec.Date,
		From:        rec.From,
		To:          rec.To,
		Cc:          rec.Cc,
		Bcc:         rec.Bcc,
		Subject:     nullableString(rec.Subject),
		BodyPlain:   nullableString(rec.BodyPlain),
		BodyHTML:    nullableString(rec.BodyHTML),
		SourceEntry: rec.SourceEntry,
		Checksum:    rec.Checksum,
		Strategy:    string(rec.Strategy),
		Warnings:    rec.Warnings,
	}
	for _, a := range rec.Attachments {
		email.Attachments = append(email.Attachments, jsonAttachment{
			Filename:  a.Filename,
			SizeBytes: a.SizeBytes,
		})
	}
	return email
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
