package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"olmconv/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Filter holds compiled regex patterns for filtering extracted records.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeHeader  []*regexp.Regexp
	includeBody    []*regexp.Regexp
	excludeHeader  []*regexp.Regexp
	excludeBody    []*regexp.Regexp
	needHeaderText bool
	needBodyText   bool
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
	}, nil
}

// Allows returns true if the record passes the filter criteria. Header
// patterns run against a canonical header block rebuilt from the record;
// body patterns run against both body variants.
func (f *Filter) Allows(rec *model.EmailRecord) bool {
	var headerText, bodyText string
	if f.needHeaderText {
		headerText = HeaderText(rec)
	}
	if f.needBodyText {
		bodyText = rec.BodyPlain
		if rec.BodyHTML != "" {
			bodyText += "\n" + rec.BodyHTML
		}
	}

	if f.includeMode {
		matched := matchAny(f.includeHeader, headerText) || matchAny(f.includeBody, bodyText)
		return matched
	}

	if f.excludeMode {
		if matchAny(f.excludeHeader, headerText) || matchAny(f.excludeBody, bodyText) {
			return false
		}
	}

	return true
}

// HeaderText rebuilds an RFC 822 style header block from a record, one
// "Name: value" line per populated field. Attachment names get their own
// lines so patterns can target them too.
func HeaderText(rec *model.EmailRecord) string {
	var b strings.Builder
	writeLine := func(name, value string) {
		if value == "" {
			return
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\n")
	}

	writeLine("From", strings.Join(rec.From, ", "))
	writeLine("To", strings.Join(rec.To, ", "))
	writeLine("Cc", strings.Join(rec.Cc, ", "))
	writeLine("Bcc", strings.Join(rec.Bcc, ", "))
	writeLine("Subject", rec.Subject)
	if rec.Date != nil {
		writeLine("Date", rec.Date.Format(time.RFC1123Z))
	}
	for _, a := range rec.Attachments {
		writeLine("Attachment", a.Filename)
	}
	return b.String()
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
