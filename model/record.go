package model

import "time"

// Strategy identifies which decoder produced a record.
type Strategy string

const (
	StrategyRFC822      Strategy = "rfc822"
	StrategyXMLEnvelope Strategy = "xml_envelope"
	StrategyRawFallback Strategy = "raw_fallback"
)

// Attachment describes an attachment by name and size only. Payload bytes are
// never kept on a record; sinks that need them re-read the container entry.
type Attachment struct {
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

// EmailRecord is the canonical, decoder-agnostic form of one extracted email.
type EmailRecord struct {
	Date        *time.Time   `json:"date"`
	From        []string     `json:"from"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc"`
	Bcc         []string     `json:"bcc"`
	Subject     string       `json:"subject"`
	BodyPlain   string       `json:"body_plain"`
	BodyHTML    string       `json:"body_html"`
	Attachments []Attachment `json:"attachments"`

	// SourceEntry is the container path the record was decoded from, and
	// Checksum the hex SHA-256 of that entry's raw bytes. Both survive into
	// exports so a record can be traced back to its archive entry.
	SourceEntry string   `json:"source_entry"`
	Checksum    string   `json:"checksum"`
	Strategy    Strategy `json:"source_strategy"`
	Warnings    []string `json:"warnings"`
}

// Warn appends a degradation note.
func (r *EmailRecord) Warn(note string) {
	r.Warnings = append(r.Warnings, note)
}

// HasBody reports whether at least one body variant was recovered.
func (r *EmailRecord) HasBody() bool {
	return r.BodyPlain != "" || r.BodyHTML != ""
}

// PreferredBody returns the plain text body when present, falling back to
// the HTML variant.
func (r *EmailRecord) PreferredBody() string {
	if r.BodyPlain != "" {
		return r.BodyPlain
	}
	return r.BodyHTML
}
