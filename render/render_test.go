package render

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"olmconv/extract"
	"olmconv/model"
	"olmconv/stats"
)

func sampleResult() *extract.Result {
	date := time.Date(2015, 3, 2, 10, 30, 0, 0, time.UTC)
	return &extract.Result{
		JobID:     "job-0001",
		Source:    "export.olm",
		Container: "olm",
		Records: []model.EmailRecord{
			{
				Date:      &date,
				From:      []string{"Alice Example <alice@example.com>"},
				To:        []string{"bob@example.com", "carol@example.com"},
				Cc:        []string{"dave@example.com"},
				Subject:   `Report, with "quotes" and, commas`,
				BodyPlain: "First line.\nSecond line with \"quotes\", commas.\n",
				Attachments: []model.Attachment{
					{Filename: "report.pdf", SizeBytes: 2048},
					{Filename: "data.csv", SizeBytes: 512},
				},
				SourceEntry: "messages/00001.eml",
				Checksum:    "aa11",
				Strategy:    model.StrategyRFC822,
			},
			{
				From:        []string{"erin@example.com"},
				Subject:     "No date on this one",
				BodyHTML:    "<p>html only</p>",
				SourceEntry: "Accounts/main/message_00002.xml",
				Checksum:    "bb22",
				Strategy:    model.StrategyXMLEnvelope,
				Warnings:    []string{"date missing"},
			},
			{
				From:        []string{"frank@example.com"},
				Subject:     "Markdown | hazards",
				BodyPlain:   "# not a heading\n* not a list\n1. not ordered\n```\nnot a fence\n",
				SourceEntry: "Local/notes.txt",
				Checksum:    "cc33",
				Strategy:    model.StrategyRawFallback,
			},
			{
				From:        []string{"gwen@example.com"},
				Subject:     "Empty body",
				SourceEntry: "Local/stub.txt",
				Checksum:    "dd44",
				Strategy:    model.StrategyRawFallback,
				Warnings:    []string{"body missing"},
			},
		},
		EntriesSeen: 5,
		Extracted:   4,
		Skipped:     1,
		Started:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Finished:    time.Date(2024, 6, 1, 12, 0, 3, 0, time.UTC),
	}
}

func renderToString(t *testing.T, r Renderer, res *extract.Result) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, r.Render(&buf, res))
	return buf.String()
}

func TestCSVRoundTrip(t *testing.T) {
	res := sampleResult()
	out := renderToString(t, csvRenderer{}, res)

	rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)

	// Header plus exactly one row per record, however messy the cells.
	require.Len(t, rows, len(res.Records)+1)
	assert.Equal(t, csvHeader, rows[0])

	first := rows[1]
	assert.Equal(t, "2015-03-02T10:30:00Z", first[0])
	assert.Equal(t, "Alice Example <alice@example.com>", first[1])
	assert.Equal(t, "bob@example.com, carol@example.com", first[2])
	assert.Equal(t, `Report, with "quotes" and, commas`, first[4])
	assert.Equal(t, "First line.\nSecond line with \"quotes\", commas.\n", first[5])
	assert.Equal(t, "report.pdf; data.csv", first[6])

	// Missing date renders as an empty cell.
	assert.Equal(t, "", rows[2][0])
	// HTML-only body falls back to the html variant.
	assert.Equal(t, "<p>html only</p>", rows[2][5])
}

func TestJSONRoundTrip(t *testing.T) {
	res := sampleResult()
	out := renderToString(t, jsonRenderer{}, res)

	var doc jsonDocument
	require.NoError(t, json.Unmarshal([]byte(out), &doc))

	assert.Equal(t, "job-0001", doc.JobID)
	assert.Equal(t, "olm", doc.Container)
	assert.Equal(t, 4, doc.TotalEmails)
	require.Len(t, doc.Emails, 4)

	first := doc.Emails[0]
	require.NotNil(t, first.Date)
	assert.True(t, first.Date.Equal(*res.Records[0].Date))
	require.NotNil(t, first.Subject)
	assert.Equal(t, res.Records[0].Subject, *first.Subject)
	require.NotNil(t, first.BodyPlain)
	assert.Equal(t, res.Records[0].BodyPlain, *first.BodyPlain)
	require.Len(t, first.Attachments, 2)
	assert.Equal(t, "report.pdf", first.Attachments[0].Filename)

	second := doc.Emails[1]
	assert.Nil(t, second.Date)
	assert.Nil(t, second.BodyPlain)
	require.NotNil(t, second.BodyHTML)
	assert.Equal(t, []string{"date missing"}, second.Warnings)
}

func TestJSONAbsentFieldsAreNull(t *testing.T) {
	out := renderToString(t, jsonRenderer{}, sampleResult())

	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &raw))

	emails := raw["emails"].([]any)
	second := emails[1].(map[string]any)

	for _, key := range []string{"date", "body_plain", "to", "attachments"} {
		v, ok := second[key]
		assert.True(t, ok, "key %s must be present", key)
		assert.Nil(t, v, "key %s must be null", key)
	}
}

func TestTXTLayout(t *testing.T) {
	res := sampleResult()
	out := renderToString(t, txtRenderer{}, res)

	assert.True(t, strings.HasPrefix(out, strings.Repeat("=", 80)+"\n"))
	assert.Contains(t, out, "EMAIL EXPORT - 2024-06-01 12:00:03")
	assert.Contains(t, out, "Total Emails: 4")
	assert.Contains(t, out, "MESSAGE BODY:")
	assert.Contains(t, out, strings.Repeat("-", 80))
	assert.Contains(t, out, "END OF EXPORT - 4 emails processed")

	for i := 1; i <= 4; i++ {
		assert.Contains(t, out, "EMAIL #"+string(rune('0'+i)))
	}

	assert.Contains(t, out, "CC:      dave@example.com")
	assert.Contains(t, out, "Attachments: report.pdf; data.csv")
	// Only the first record carries a CC line.
	assert.Equal(t, 1, strings.Count(out, "\nCC: "))
	// The dateless record falls back to N/A.
	assert.Contains(t, out, "Date:    N/A")
	// The bodyless record gets a placeholder.
	assert.Contains(t, out, "(No content)")
}

func TestMarkdownEscaping(t *testing.T) {
	res := sampleResult()
	out := renderToString(t, mdRenderer{}, res)

	assert.Contains(t, out, "# Email Export")
	assert.Contains(t, out, "## Email 1:")
	assert.Contains(t, out, "| Field | Value |")

	// Body lines that would open Markdown structure are neutralized.
	assert.Contains(t, out, `\# not a heading`)
	assert.Contains(t, out, `\* not a list`)
	assert.Contains(t, out, `1\. not ordered`)
	assert.Contains(t, out, "\\```")
	assert.NotContains(t, out, "\n# not a heading")

	// Pipes in metadata cannot break the table.
	assert.Contains(t, out, `Markdown \| hazards`)

	assert.Contains(t, out, "*(no content)*")
}

func markdownHazardResult() *extract.Result {
	date := time.Date(2015, 3, 2, 10, 30, 0, 0, time.UTC)
	return &extract.Result{
		JobID:     "job-0002",
		Source:    "export.olm",
		Container: "olm",
		Records: []model.EmailRecord{
			{
				Date:        &date,
				From:        []string{"alice@example.com"},
				To:          []string{"bob@example.com"},
				Subject:     "Indentation hazards",
				BodyPlain:   "opening paragraph line\n\n    indented four spaces deliberately\n\tleading tab as well\n",
				SourceEntry: "messages/00001.eml",
				Checksum:    "aa11",
				Strategy:    model.StrategyRFC822,
			},
			{
				From:        []string{"frank@example.com"},
				Subject:     "Leader hazards",
				BodyPlain:   "# not a heading\n* not a list\n1. not ordered\n> not a quote\n```\nnot a fence\n~~~\nsetext underline next\n===\ndashed underline next\n---\n",
				SourceEntry: "Local/notes.txt",
				Checksum:    "cc33",
				Strategy:    model.StrategyRawFallback,
			},
		},
		EntriesSeen: 2,
		Extracted:   2,
		Started:     time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Finished:    time.Date(2024, 6, 1, 12, 0, 3, 0, time.UTC),
	}
}

func TestMarkdownRoundTrip(t *testing.T) {
	res := markdownHazardResult()
	out := renderToString(t, mdRenderer{}, res)

	// Indentation at the four-column threshold is capped, not escaped: the
	// indent itself would open a code block.
	assert.Contains(t, out, "\n   indented four spaces deliberately")
	assert.NotContains(t, out, "\n    indented four spaces deliberately")
	assert.Contains(t, out, "\n   leading tab as well")
	assert.NotContains(t, out, "\tleading tab as well")

	src := []byte(out)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	kinds := map[ast.NodeKind]int{}
	var paragraphs strings.Builder
	require.NoError(t, ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		kinds[n.Kind()]++
		if n.Kind() == ast.KindParagraph {
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				paragraphs.Write(seg.Value(src))
			}
			paragraphs.WriteByte('\n')
		}
		return ast.WalkContinue, nil
	}))

	// The only structure a parser may find is what the renderer itself
	// wrote: the export title, one heading per email, one rule per email.
	assert.Zero(t, kinds[ast.KindCodeBlock], "body text parsed as an indented code block")
	assert.Zero(t, kinds[ast.KindFencedCodeBlock], "body text parsed as a fenced code block")
	assert.Zero(t, kinds[ast.KindList])
	assert.Zero(t, kinds[ast.KindBlockquote])
	assert.Zero(t, kinds[ast.KindHTMLBlock])
	assert.Equal(t, 1+len(res.Records), kinds[ast.KindHeading])
	assert.Equal(t, len(res.Records), kinds[ast.KindThematicBreak])

	for _, marker := range []string{
		"opening paragraph line",
		"indented four spaces deliberately",
		"leading tab as well",
		"not a heading",
		"not a list",
		"not ordered",
		"not a quote",
		"not a fence",
		"setext underline next",
		"dashed underline next",
	} {
		assert.Contains(t, paragraphs.String(), marker, "body text must stay paragraph content")
	}
}

func TestPDFOutput(t *testing.T) {
	res := sampleResult()
	out := renderToString(t, pdfRenderer{}, res)

	assert.True(t, strings.HasPrefix(out, "%PDF-"), "missing pdf header")
	assert.Contains(t, out, "%%EOF")

	// One title page plus one page per email.
	pages := strings.Count(out, "/Type /Page") - strings.Count(out, "/Type /Pages")
	assert.Equal(t, 1+len(res.Records), pages)
}

func TestPDFDeterministic(t *testing.T) {
	res := sampleResult()
	first := renderToString(t, pdfRenderer{}, res)
	second := renderToString(t, pdfRenderer{}, res)
	assert.Equal(t, first, second)
}

func TestPDFPaginatesLongBodies(t *testing.T) {
	res := sampleResult()
	res.Records = res.Records[:1]
	res.Records[0].BodyPlain = strings.Repeat("A line of body text that keeps going.\n", 400)

	out := renderToString(t, pdfRenderer{}, res)
	pages := strings.Count(out, "/Type /Page") - strings.Count(out, "/Type /Pages")
	assert.Greater(t, pages, 3, "long body must flow across pages")
}

func TestForFormats(t *testing.T) {
	renderers, err := ForFormats([]string{"csv", "JSON", "csv", "md"})
	require.NoError(t, err)
	require.Len(t, renderers, 3)
	assert.Equal(t, "csv", renderers[0].Name())
	assert.Equal(t, "json", renderers[1].Name())

	_, err = ForFormats([]string{"docx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")

	_, err = ForFormats(nil)
	require.Error(t, err)
}

func TestFormats(t *testing.T) {
	assert.Equal(t, []string{"csv", "json", "md", "pdf", "txt"}, Formats())
}

func TestWriteAllRendersEveryFormat(t *testing.T) {
	res := sampleResult()
	renderers, err := ForFormats(Formats())
	require.NoError(t, err)

	dir := t.TempDir()
	var mu sync.Mutex
	var events []stats.Event
	artifacts := WriteAll(context.Background(), res, renderers, dir, "export", nil,
		func(evt stats.Event) {
			mu.Lock()
			events = append(events, evt)
			mu.Unlock()
		})

	require.Len(t, artifacts, 5)
	for _, art := range artifacts {
		require.NoError(t, art.Err, "format %s", art.Format)
		fi, err := os.Stat(art.Path)
		require.NoError(t, err)
		assert.Equal(t, fi.Size(), art.Size)
		assert.Greater(t, art.Size, int64(0))
	}

	rendered := 0
	for _, evt := range events {
		if evt.Type == stats.EventTypeRendered {
			rendered++
		}
	}
	assert.Equal(t, 5, rendered)
}

type boomRenderer struct{}

func (boomRenderer) Name() string { return "boom" }

func (boomRenderer) Ext() string { return "boom" }

func (boomRenderer) Render(w io.Writer, res *extract.Result) error {
	return errors.New("synthetic failure")
}

func TestWriteAllIsolatesFailures(t *testing.T) {
	res := sampleResult()
	renderers := []Renderer{csvRenderer{}, boomRenderer{}, jsonRenderer{}}

	dir := t.TempDir()
	artifacts := WriteAll(context.Background(), res, renderers, dir, "export", nil, nil)

	require.Len(t, artifacts, 3)

	assert.NoError(t, artifacts[0].Err)
	assert.FileExists(t, filepath.Join(dir, "export.csv"))

	require.Error(t, artifacts[1].Err)
	assert.ErrorIs(t, artifacts[1].Err, ErrRenderFailure)
	assert.NoFileExists(t, filepath.Join(dir, "export.boom"))

	assert.NoError(t, artifacts[2].Err)
	assert.FileExists(t, filepath.Join(dir, "export.json"))
}

func TestWriteAllHonoursCancellation(t *testing.T) {
	res := sampleResult()
	renderers, err := ForFormats([]string{"csv", "json"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	artifacts := WriteAll(ctx, res, renderers, dir, "export", nil, nil)

	for _, art := range artifacts {
		assert.ErrorIs(t, art.Err, context.Canceled)
		assert.NoFileExists(t, art.Path)
	}
}
