package deliver

import (
	"bytes"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"

	"github.com/emersion/go-message/mail"

	"olmconv/model"
)

// encodeRecord renders a canonical record back into an RFC 822 message.
// Attachment payloads never survive decoding, so only their names are
// carried, in an X-Original-Attachments header.
func encodeRecord(rec *model.EmailRecord) ([]byte, error) {
	var h mail.Header
	if rec.Date != nil && !rec.Date.IsZero() {
		h.SetDate(*rec.Date)
	}
	if rec.Subject != "" {
		h.SetSubject(rec.Subject)
	}
	setAddressHeader(&h, "From", rec.From)
	setAddressHeader(&h, "To", rec.To)
	setAddressHeader(&h, "Cc", rec.Cc)
	setAddressHeader(&h, "Bcc", rec.Bcc)
	if rec.SourceEntry != "" {
		h.Set("X-Archive-Entry", rec.SourceEntry)
	}
	if names := attachmentNames(rec); names != "" {
		h.Set("X-Original-Attachments", names)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline part: %w", err)
	}

	// Always emit a text part so even a subject-only record is a complete
	// message. The HTML variant rides along as an alternative.
	if rec.BodyPlain != "" || rec.BodyHTML == "" {
		if err := writeInlinePart(tw, "text/plain", rec.BodyPlain); err != nil {
			return nil, err
		}
	}
	if rec.BodyHTML != "" {
		if err := writeInlinePart(tw, "text/html", rec.BodyHTML); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close inline part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}

	return buf.Bytes(), nil
}

func writeInlinePart(tw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	pw, err := tw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(pw, body); err != nil {
		_ = pw.Close()
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close %s part: %w", contentType, err)
	}
	return nil
}

// setAddressHeader writes key as a structured address list when the stored
// strings parse, and verbatim when they do not. XML and raw sourced records
// regularly carry display text that is not a valid RFC 5322 address.
func setAddressHeader(h *mail.Header, key string, values []string) {
	if len(values) == 0 {
		return
	}

	joined := strings.Join(values, ", ")
	parsed, err := netmail.ParseAddressList(joined)
	if err != nil {
		h.Set(key, joined)
		return
	}

	list := make([]*mail.Address, 0, len(parsed))
	for _, a := range parsed {
		list = append(list, &mail.Address{Name: a.Name, Address: a.Address})
	}
	h.SetAddressList(key, list)
}

func attachmentNames(rec *model.EmailRecord) string {
	if len(rec.Attachments) == 0 {
		return ""
	}
	names := make([]string, 0, len(rec.Attachments))
	for _, a := range rec.Attachments {
		if a.Filename != "" {
			names = append(names, a.Filename)
		}
	}
	return strings.Join(names, "; ")
}
