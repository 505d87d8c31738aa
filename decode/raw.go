package decode

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"olmconv/model"
)

// minRawBytes is the floor below which a loose text entry is considered
// noise rather than message content. Entries with recognizable header
// lines are exempt.
const minRawBytes = 50

// rawDecoder is the last resort: best-effort header sniffing over loose
// text, everything after the header block (or everything at all) becomes
// the body. Binary payloads are rejected so attachment blobs do not turn
// into junk records.
type rawDecoder struct{}

func (rawDecoder) Name() model.Strategy { return model.StrategyRawFallback }

func (d rawDecoder) Decode(path string, data []byte) (*model.EmailRecord, error) {
	text, ok := toText(data)
	if !ok {
		return nil, fmt.Errorf("%w: binary content", ErrUnreadable)
	}

	rec := &model.EmailRecord{}
	body, sniffed := sniffHeaders(text, rec)

	if !sniffed && len(data) < minRawBytes {
		return nil, fmt.Errorf("%w: too short", ErrUnreadable)
	}

	rec.BodyPlain = strings.TrimSpace(body)
	if rec.Subject == "" {
		rec.Subject = "Message from " + entryStem(path)
		rec.Warn("subject synthesized from entry name")
	}
	if !sniffed {
		rec.Warn("no structured headers recovered")
	}
	return rec, nil
}

// sniffHeaders consumes leading "Name: value" lines, filling the record
// from the keys it recognizes, and returns the remaining body. sniffed is
// false when the text does not start with a header block.
func sniffHeaders(text string, rec *model.EmailRecord) (body string, sniffed bool) {
	lines := strings.Split(text, "\n")
	i := 0
	for ; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if strings.TrimSpace(line) == "" {
			break
		}
		key, value, found := strings.Cut(line, ":")
		if !found || !headerLineRe.MatchString(line) {
			break
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "from":
			rec.From = splitAddressText(value)
		case "to":
			rec.To = splitAddressText(value)
		case "cc":
			rec.Cc = splitAddressText(value)
		case "bcc":
			rec.Bcc = splitAddressText(value)
		case "subject":
			rec.Subject = value
		case "date":
			if t, ok := parseDate(value); ok {
				rec.Date = &t
			} else {
				rec.Warn("date header unparseable: " + value)
			}
		}
		sniffed = true
	}
	if !sniffed {
		return text, false
	}
	return strings.Join(lines[i:], "\n"), true
}

// toText interprets the bytes as text: UTF-8 as-is, otherwise a Latin-1
// promotion when the content is mostly printable. Binary data fails.
func toText(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	if !mostlyPrintable(data) {
		return "", false
	}
	if utf8.Valid(data) {
		return string(data), true
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes), true
}

// mostlyPrintable reports whether at most a small fraction of the bytes
// are control characters. A NUL anywhere marks the payload binary.
func mostlyPrintable(data []byte) bool {
	var control int
	for _, b := range data {
		if b == 0 {
			return false
		}
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			control++
		}
	}
	return control*10 < len(data)
}

func entryStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
