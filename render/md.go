package render

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"olmconv/extract"
)

// mdRenderer writes a Markdown export: a metadata table per email followed
// by the body, escaped so that body content cannot open accidental
// Markdown structure (headings, lists, fences, tables).
type mdRenderer struct{}

func (mdRenderer) Name() string { return "md" }

func (mdRenderer) Ext() string { return "md" }

func (mdRenderer) Render(w io.Writer, res *extract.Result) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, "# Email Export")
	fmt.Fprintln(bw)
	fmt.Fprintf(bw, "%d messages, generated %s\n", len(res.Records), res.Finished.Format(time.RFC3339))

	for i := range res.Records {
		rec := &res.Records[i]

		subject := rec.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		fmt.Fprintf(bw, "\n## Email %d: %s\n\n", i+1, flattenCell(subject))

		// RenderMarkdown escapes pipes in cell values itself; cells only
		// need their newlines flattened.
		tw := table.NewWriter()
		tw.AppendHeader(table.Row{"Field", "Value"})
		tw.AppendRow(table.Row{"Date", flattenCell(orNA(dateString(rec.Date)))})
		tw.AppendRow(table.Row{"From", flattenCell(orNA(strings.Join(rec.From, ", ")))})
		tw.AppendRow(table.Row{"To", flattenCell(orNA(strings.Join(rec.To, ", ")))})
		if len(rec.Cc) > 0 {
			tw.AppendRow(table.Row{"CC", flattenCell(strings.Join(rec.Cc, ", "))})
		}
		tw.AppendRow(table.Row{"Subject", flattenCell(orNA(rec.Subject))})
		if len(rec.Attachments) > 0 {
			tw.AppendRow(table.Row{"Attachments", flattenCell(joinAttachmentNames(rec.Attachments))})
		}
		fmt.Fprintln(bw, tw.RenderMarkdown())
		fmt.Fprintln(bw)

		body := rec.PreferredBody()
		if body == "" {
			fmt.Fprintln(bw, "*(no content)*")
		} else {
			fmt.Fprintln(bw, escapeMarkdownBody(body))
		}

		fmt.Fprintln(bw)
		fmt.Fprintln(bw, "---")
	}

	return bw.Flush()
}

// mdLeaderRe matches line leaders that would start Markdown block
// structure: headings, quotes, lists, rules, fences and setext
// underlines.
var (
	mdLeaderRe     = regexp.MustCompile("^( {0,3})([#>*+=~`-])")
	mdListLeaderRe = regexp.MustCompile(`^( {0,3})(\d+)([.)])`)
	mdIndentRe     = regexp.MustCompile(`^[ \t]+`)
)

// escapeMarkdownBody neutralizes block-level Markdown in free text while
// leaving the content readable.
func escapeMarkdownBody(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		line = capIndent(line)
		lines[i] = line
		if m := mdLeaderRe.FindStringSubmatch(line); m != nil {
			lines[i] = m[1] + `\` + line[len(m[1]):]
			continue
		}
		if m := mdListLeaderRe.FindStringSubmatch(line); m != nil {
			prefix := m[1] + m[2]
			lines[i] = prefix + `\` + line[len(prefix):]
		}
	}
	return strings.Join(lines, "\n")
}

// capIndent rewrites leading whitespace that reaches the four-column
// indented-code-block threshold down to three spaces. The indent itself
// opens the block, so escaping a character cannot neutralize it. Tabs
// advance to the next four-column stop.
func capIndent(line string) string {
	indent := mdIndentRe.FindString(line)
	if indent == "" {
		return line
	}
	cols := 0
	for _, r := range indent {
		if r == '\t' {
			cols += 4 - cols%4
		} else {
			cols++
		}
	}
	if cols < 4 {
		return line
	}
	return "   " + line[len(indent):]
}

// flattenCell folds a value onto one line for headings and table cells.
func flattenCell(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
