package decode

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"

	"olmconv/model"
)

// xmlDecoder handles the Outlook for Mac XML message layout. Tag names
// vary across Outlook versions (OPFMessageCopySubject, subject, ...), so
// fields are matched by name substring rather than a fixed schema. The
// walk is tolerant: malformed sub-elements are skipped and whatever was
// recovered before a fatal parse error is kept.
type xmlDecoder struct{}

func (xmlDecoder) Name() model.Strategy { return model.StrategyXMLEnvelope }

type xmlField int

const (
	xmlFieldNone xmlField = iota
	xmlFieldSubject
	xmlFieldDate
	xmlFieldBody
	xmlFieldHTMLBody
)

type dateCandidate struct {
	tag  string
	text string
}

func (xmlDecoder) Decode(path string, data []byte) (*model.EmailRecord, error) {
	if !looksLikeXML(data) {
		return nil, fmt.Errorf("%w: not an xml document", ErrUnreadable)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.CharsetReader = charsetReader

	st := &xmlWalk{rec: &model.EmailRecord{}}
	sawElement := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !sawElement {
				return nil, fmt.Errorf("parse xml: %w", err)
			}
			// Keep what was recovered before the damage.
			st.rec.Warn("xml truncated or malformed: " + err.Error())
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			sawElement = true
			st.startElement(t)
		case xml.CharData:
			st.charData(t)
		case xml.EndElement:
			st.endElement()
		}
	}
	st.finish()

	rec := st.rec
	if rec.Subject == "" && len(rec.From) == 0 && rec.Date == nil && !rec.HasBody() {
		return nil, fmt.Errorf("%w: no message fields", ErrUnreadable)
	}
	if rec.Subject == "" {
		rec.Warn("subject missing")
	}
	if len(rec.From) == 0 {
		rec.Warn("sender missing")
	}
	if !rec.HasBody() {
		rec.Warn("body missing")
	}
	return rec, nil
}

// xmlWalk carries the parse state: the element stack, one active text
// capture and one active address section at a time.
type xmlWalk struct {
	rec *model.EmailRecord

	stack []string

	capture      xmlField
	captureTag   string
	captureDepth int
	buf          strings.Builder

	addrKey   string
	addrDepth int
	addrSeen  bool
	addrBuf   strings.Builder

	dates []dateCandidate
}

func (st *xmlWalk) startElement(t xml.StartElement) {
	tag := strings.ToLower(t.Name.Local)
	st.stack = append(st.stack, tag)

	if strings.Contains(tag, "attachment") && len(t.Attr) > 0 {
		st.addAttachment(t)
		return
	}
	if st.addrKey != "" && len(t.Attr) > 0 {
		st.addStructuredAddress(t)
		return
	}

	if st.addrKey == "" {
		if key := addressKey(tag); key != "" {
			st.addrKey = key
			st.addrDepth = len(st.stack)
			st.addrSeen = false
			st.addrBuf.Reset()
			return
		}
	}

	if st.capture == xmlFieldNone {
		if kind := textField(tag); kind != xmlFieldNone {
			st.capture = kind
			st.captureTag = tag
			st.captureDepth = len(st.stack)
			st.buf.Reset()
		}
	}
}

func (st *xmlWalk) charData(t xml.CharData) {
	switch {
	case st.capture != xmlFieldNone:
		st.buf.Write(t)
	case st.addrKey != "":
		st.addrBuf.Write(t)
	}
}

func (st *xmlWalk) endElement() {
	if st.capture != xmlFieldNone && len(st.stack) == st.captureDepth {
		st.flushCapture()
	}
	if st.addrKey != "" && len(st.stack) == st.addrDepth {
		st.flushAddrSection()
	}
	if len(st.stack) > 0 {
		st.stack = st.stack[:len(st.stack)-1]
	}
}

// finish flushes dangling state after a truncated document and resolves
// the collected date candidates.
func (st *xmlWalk) finish() {
	if st.capture != xmlFieldNone {
		st.flushCapture()
	}
	if st.addrKey != "" {
		st.flushAddrSection()
	}

	st.resolveDate()
	st.rec.Subject = normalizeSpace(st.rec.Subject)
	st.rec.BodyPlain = decodeInlineBase64(strings.TrimSpace(st.rec.BodyPlain))
	st.rec.BodyHTML = decodeInlineBase64(strings.TrimSpace(st.rec.BodyHTML))
}

func (st *xmlWalk) flushCapture() {
	text := st.buf.String()
	switch st.capture {
	case xmlFieldSubject:
		if s := normalizeSpace(text); s != "" {
			st.rec.Subject = s
		}
	case xmlFieldDate:
		if s := strings.TrimSpace(text); s != "" {
			st.dates = append(st.dates, dateCandidate{tag: st.captureTag, text: s})
		}
	case xmlFieldBody:
		if s := strings.TrimSpace(text); s != "" {
			st.rec.BodyPlain = s
		}
	case xmlFieldHTMLBody:
		if s := strings.TrimSpace(text); s != "" {
			st.rec.BodyHTML = s
		}
	}
	st.capture = xmlFieldNone
	st.captureTag = ""
	st.buf.Reset()
}

func (st *xmlWalk) flushAddrSection() {
	if !st.addrSeen {
		if text := normalizeSpace(st.addrBuf.String()); text != "" {
			for _, part := range splitAddressText(text) {
				st.appendAddress(st.addrKey, part)
			}
		}
	}
	st.addrKey = ""
	st.addrSeen = false
	st.addrBuf.Reset()
}

func (st *xmlWalk) addStructuredAddress(t xml.StartElement) {
	var addr, name string
	for _, a := range t.Attr {
		an := strings.ToLower(a.Name.Local)
		switch {
		case strings.Contains(an, "address") && strings.Contains(a.Value, "@"):
			addr = strings.TrimSpace(a.Value)
		case strings.HasSuffix(an, "name"):
			name = normalizeSpace(a.Value)
		}
	}
	if addr == "" {
		return
	}
	if name != "" && name != addr {
		st.appendAddress(st.addrKey, fmt.Sprintf("%s <%s>", name, addr))
	} else {
		st.appendAddress(st.addrKey, addr)
	}
	st.addrSeen = true
}

func (st *xmlWalk) addAttachment(t xml.StartElement) {
	var name string
	var size int64
	var hasSize bool
	for _, a := range t.Attr {
		an := strings.ToLower(a.Name.Local)
		switch {
		case strings.Contains(an, "name") && name == "":
			name = strings.TrimSpace(a.Value)
		case strings.Contains(an, "size"):
			if n, err := strconv.ParseInt(strings.TrimSpace(a.Value), 10, 64); err == nil {
				size = n
				hasSize = true
			}
		}
	}
	if name == "" && !hasSize {
		return
	}
	st.rec.Attachments = append(st.rec.Attachments, model.Attachment{
		Filename:  attachmentName(name),
		SizeBytes: size,
	})
}

func (st *xmlWalk) appendAddress(key, value string) {
	switch key {
	case "from":
		st.rec.From = append(st.rec.From, value)
	case "to":
		st.rec.To = append(st.rec.To, value)
	case "cc":
		st.rec.Cc = append(st.rec.Cc, value)
	case "bcc":
		st.rec.Bcc = append(st.rec.Bcc, value)
	}
}

// resolveDate picks the message date from the collected candidates. Sent
// timestamps win over received and modification ones; within a class the
// first parseable candidate is used.
func (st *xmlWalk) resolveDate() {
	if len(st.dates) == 0 {
		st.rec.Warn("date missing")
		return
	}
	for _, pass := range []func(dateCandidate) bool{
		func(c dateCandidate) bool { return strings.Contains(c.tag, "sent") },
		func(dateCandidate) bool { return true },
	} {
		for _, c := range st.dates {
			if !pass(c) {
				continue
			}
			if t, ok := parseDate(c.text); ok {
				st.rec.Date = &t
				return
			}
		}
	}
	st.rec.Warn("date unparseable: " + st.dates[0].text)
}

// addressKey classifies an element as an address section. The tag must
// carry an address marker so that incidental substrings (e.g. the "cc" in
// "account") cannot open a section.
func addressKey(tag string) string {
	switch tag {
	case "to", "from", "cc", "bcc", "sender", "recipients":
		if tag == "sender" {
			return "from"
		}
		if tag == "recipients" {
			return "to"
		}
		return tag
	}
	if !strings.Contains(tag, "address") && !strings.Contains(tag, "recipient") {
		return ""
	}
	switch {
	case strings.Contains(tag, "bcc"):
		return "bcc"
	case strings.Contains(tag, "cc"):
		return "cc"
	case strings.Contains(tag, "to"):
		return "to"
	case strings.Contains(tag, "from"), strings.Contains(tag, "sender"):
		return "from"
	case strings.Contains(tag, "recipient"):
		return "to"
	}
	return ""
}

func textField(tag string) xmlField {
	switch {
	case strings.Contains(tag, "subject"):
		return xmlFieldSubject
	case strings.Contains(tag, "body") && strings.Contains(tag, "html"):
		return xmlFieldHTMLBody
	case strings.Contains(tag, "body"):
		return xmlFieldBody
	case strings.Contains(tag, "date"), strings.Contains(tag, "time"):
		return xmlFieldDate
	}
	return xmlFieldNone
}

func looksLikeXML(data []byte) bool {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// charsetReader lets the xml decoder read documents declared in legacy
// encodings (windows-1252 exports are common).
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("charset %s: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

var base64Re = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// decodeInlineBase64 unwraps bodies stored as a single base64 blob, a
// layout some Outlook exports use for HTML bodies. Anything that does not
// decode to clean UTF-8 text is left untouched.
func decodeInlineBase64(s string) string {
	clean := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if len(clean) < 16 || len(clean)%4 != 0 || !base64Re.MatchString(clean) {
		return s
	}
	// A run of letters in a single case is far more likely a word than an
	// encoded blob.
	var hasUpper, hasLower, hasOther bool
	for _, r := range clean {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		default:
			hasOther = true
		}
	}
	if !hasOther && (!hasUpper || !hasLower) {
		return s
	}
	decoded, err := base64.StdEncoding.DecodeString(clean)
	if err != nil || !utf8.Valid(decoded) {
		return s
	}
	if !mostlyPrintable(decoded) {
		return s
	}
	return string(decoded)
}

var spaceRunRe = regexp.MustCompile(`\s+`)

func normalizeSpace(s string) string {
	return strings.TrimSpace(spaceRunRe.ReplaceAllString(s, " "))
}

func splitAddressText(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
