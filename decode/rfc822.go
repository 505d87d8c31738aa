package decode

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"

	"olmconv/model"
)

// headerLineRe matches the "Name: value" shape of an RFC 822 header line.
var headerLineRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]{0,74}:[ \t]`)

// rfc822Decoder parses standard internet messages, MIME trees included.
// enmime tolerates the usual real-world defects (bad charsets, broken
// boundaries) and reports them, so defects become record warnings instead
// of failures.
type rfc822Decoder struct{}

func (rfc822Decoder) Name() model.Strategy { return model.StrategyRFC822 }

func (d rfc822Decoder) Decode(path string, data []byte) (*model.EmailRecord, error) {
	if !startsWithHeaderLine(data) {
		return nil, fmt.Errorf("%w: no header block", ErrUnreadable)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	rec := &model.EmailRecord{
		Subject:   strings.TrimSpace(env.GetHeader("Subject")),
		BodyPlain: env.Text,
		BodyHTML:  env.HTML,
	}
	rec.From = headerAddresses(env, "From", rec)
	rec.To = headerAddresses(env, "To", rec)
	rec.Cc = headerAddresses(env, "Cc", rec)
	rec.Bcc = headerAddresses(env, "Bcc", rec)

	if raw := strings.TrimSpace(env.GetHeader("Date")); raw != "" {
		if t, ok := parseDate(raw); ok {
			rec.Date = &t
		} else {
			rec.Warn("date header unparseable: " + raw)
		}
	} else {
		rec.Warn("date header missing")
	}

	for _, p := range env.Attachments {
		rec.Attachments = append(rec.Attachments, model.Attachment{
			Filename:  attachmentName(p.FileName),
			SizeBytes: int64(len(p.Content)),
		})
	}
	for _, e := range env.Errors {
		rec.Warn(e.String())
	}

	// enmime parses almost anything with a header-shaped first line; an
	// entry yielding no fields at all was not a message.
	if rec.Subject == "" && len(rec.From) == 0 && rec.Date == nil && !rec.HasBody() {
		return nil, fmt.Errorf("%w: no message fields", ErrUnreadable)
	}
	return rec, nil
}

// startsWithHeaderLine reports whether the first non-blank line looks like
// a header, after an optional mbox From separator and UTF-8 BOM.
func startsWithHeaderLine(data []byte) bool {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	for _, line := range bytes.SplitN(data, []byte("\n"), 8) {
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			return false
		}
		if bytes.HasPrefix(line, []byte("From ")) {
			continue
		}
		return headerLineRe.Match(line)
	}
	return false
}

func headerAddresses(env *enmime.Envelope, key string, rec *model.EmailRecord) []string {
	raw := strings.TrimSpace(env.GetHeader(key))
	if raw == "" {
		return nil
	}
	list, err := env.AddressList(key)
	if err != nil {
		rec.Warn(strings.ToLower(key) + " header unparseable")
		return []string{raw}
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, formatAddress(a))
	}
	return out
}

func attachmentName(name string) string {
	if name == "" {
		return "unnamed"
	}
	return name
}
