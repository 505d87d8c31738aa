package deliver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	netmail "net/mail"
	"strings"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"olmconv/model"
	"olmconv/state"
	"olmconv/stats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDate() *time.Time {
	d := time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)
	return &d
}

func fullRecord() *model.EmailRecord {
	return &model.EmailRecord{
		Date:      testDate(),
		From:      []string{"Alice Archer <alice@example.com>"},
		To:        []string{"bob@example.com", "Carol <carol@example.com>"},
		Subject:   "Quarterly figures",
		BodyPlain: "Café at nine?\nBring the ledger.",
		BodyHTML:  "<p>Café at nine?</p>",
		Attachments: []model.Attachment{
			{Filename: "report.pdf", SizeBytes: 1234},
			{Filename: "photo.jpg", SizeBytes: 99},
		},
		SourceEntry: "messages/00042.eml",
		Checksum:    "feedface",
		Strategy:    model.StrategyXMLEnvelope,
	}
}

func TestEncodeRecordRoundTrip(t *testing.T) {
	rec := fullRecord()

	raw, err := encodeRecord(rec)
	require.NoError(t, err)

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "Quarterly figures", env.GetHeader("Subject"))
	assert.Contains(t, env.GetHeader("From"), "alice@example.com")
	assert.Contains(t, env.GetHeader("To"), "bob@example.com")
	assert.Contains(t, env.GetHeader("To"), "carol@example.com")
	assert.Equal(t, "messages/00042.eml", env.GetHeader("X-Archive-Entry"))
	assert.Equal(t, "report.pdf; photo.jpg", env.GetHeader("X-Original-Attachments"))

	sent, err := netmail.ParseDate(env.GetHeader("Date"))
	require.NoError(t, err)
	assert.True(t, sent.Equal(*rec.Date), "Date header %q does not match record date", env.GetHeader("Date"))

	plain := strings.ReplaceAll(env.Text, "\r\n", "\n")
	assert.Equal(t, rec.BodyPlain, strings.TrimRight(plain, "\n"))
	assert.Contains(t, env.HTML, "<p>Café at nine?</p>")
}

func TestEncodeRecordFreeFormSender(t *testing.T) {
	rec := &model.EmailRecord{
		From:      []string{"Outlook Archive User"},
		Subject:   "No address here",
		BodyPlain: "body",
	}

	raw, err := encodeRecord(rec)
	require.NoError(t, err)

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)

	// Display text that is not an RFC 5322 address is kept verbatim.
	assert.Equal(t, "Outlook Archive User", env.GetHeader("From"))
}

func TestEncodeRecordSubjectOnly(t *testing.T) {
	rec := &model.EmailRecord{Subject: "Nothing but a subject"}

	raw, err := encodeRecord(rec)
	require.NoError(t, err)

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Nothing but a subject", env.GetHeader("Subject"))
	assert.Empty(t, strings.TrimSpace(env.Text))
}

type stubSource struct {
	entries map[string][]byte
	opened  []string
	fail    bool
}

func (s *stubSource) OpenEntry(path string) (io.ReadCloser, error) {
	s.opened = append(s.opened, path)
	if s.fail {
		return nil, errors.New("container gone")
	}
	data, ok := s.entries[path]
	if !ok {
		return nil, errors.New("no such entry")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

const originalEML = "From: alice@example.com\r\nSubject: original\r\n\r\noriginal body\r\n"

func newTestUploader(t *testing.T, source EntrySource, emit func(stats.Event)) *Uploader {
	t.Helper()
	u, err := NewUploader(Options{Host: "imap.example.com", Port: 993, DryRun: true}, state.NewMemoryTracker(), source, discardLogger(), emit)
	require.NoError(t, err)
	return u
}

func TestRawMessagePrefersOriginalBytes(t *testing.T) {
	src := &stubSource{entries: map[string][]byte{"messages/00001.eml": []byte(originalEML)}}
	u := newTestUploader(t, src, nil)

	rec := &model.EmailRecord{
		Strategy:    model.StrategyRFC822,
		SourceEntry: "messages/00001.eml",
		Subject:     "original",
	}

	raw, err := u.rawMessage(rec)
	require.NoError(t, err)
	assert.Equal(t, []byte(originalEML), raw)
	assert.Equal(t, []string{"messages/00001.eml"}, src.opened)
}

func TestRawMessageReencodesOtherStrategies(t *testing.T) {
	src := &stubSource{entries: map[string][]byte{"messages/00001.xml": []byte("<xml/>")}}
	u := newTestUploader(t, src, nil)

	rec := &model.EmailRecord{
		Strategy:    model.StrategyXMLEnvelope,
		SourceEntry: "messages/00001.xml",
		Subject:     "from the envelope",
		BodyPlain:   "decoded body",
	}

	raw, err := u.rawMessage(rec)
	require.NoError(t, err)
	assert.Empty(t, src.opened, "xml records must not re-stream raw entry bytes")
	assert.Contains(t, string(raw), "Subject: from the envelope")
}

func TestRawMessageFallsBackWhenSourceFails(t *testing.T) {
	src := &stubSource{fail: true}
	u := newTestUploader(t, src, nil)

	rec := &model.EmailRecord{
		Strategy:    model.StrategyRFC822,
		SourceEntry: "messages/00001.eml",
		Subject:     "salvaged",
		BodyPlain:   "still deliverable",
	}

	raw, err := u.rawMessage(rec)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: salvaged")
}

func TestNewUploaderValidation(t *testing.T) {
	tracker := state.NewMemoryTracker()

	_, err := NewUploader(Options{Port: 993}, tracker, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewUploader(Options{Host: "imap.example.com"}, tracker, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewUploader(Options{Host: "imap.example.com", Port: 993}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestRunDryRunMarksAndDeduplicates(t *testing.T) {
	var events []stats.Event
	emit := func(evt stats.Event) { events = append(events, evt) }

	tracker := state.NewMemoryTracker()
	u, err := NewUploader(Options{Host: "imap.example.com", Port: 993, DryRun: true}, tracker, nil, discardLogger(), emit)
	require.NoError(t, err)

	records := []model.EmailRecord{
		{SourceEntry: "messages/00001.eml", Checksum: "sum-1", Subject: "one"},
		{SourceEntry: "messages/00002.eml", Checksum: "sum-2", Subject: "two"},
	}

	require.NoError(t, u.Run(context.Background(), records))
	require.Len(t, events, 2)
	for _, evt := range events {
		assert.Equal(t, stats.StageDeliver, evt.Stage)
		assert.Equal(t, stats.EventTypeDryRunDeliver, evt.Type)
	}
	assert.Equal(t, 2, tracker.Snapshot().Delivered)

	// Second pass over the same records only reports duplicates.
	events = events[:0]
	require.NoError(t, u.Run(context.Background(), records))
	require.Len(t, events, 2)
	for _, evt := range events {
		assert.Equal(t, stats.EventTypeDuplicate, evt.Type)
	}
}

func TestRunRejectsRecordWithoutChecksum(t *testing.T) {
	var events []stats.Event
	u, err := NewUploader(Options{Host: "imap.example.com", Port: 993, DryRun: true}, state.NewMemoryTracker(), nil, discardLogger(), func(evt stats.Event) {
		events = append(events, evt)
	})
	require.NoError(t, err)

	records := []model.EmailRecord{{SourceEntry: "messages/00001.eml"}}
	err = u.Run(context.Background(), records)
	require.ErrorIs(t, err, ErrMissingChecksum)
	require.Len(t, events, 1)
	assert.Equal(t, stats.EventTypeError, events[0].Type)
}

func TestRunSkipsRecordWithoutSourceEntry(t *testing.T) {
	var events []stats.Event
	u, err := NewUploader(Options{Host: "imap.example.com", Port: 993, DryRun: true}, state.NewMemoryTracker(), nil, discardLogger(), func(evt stats.Event) {
		events = append(events, evt)
	})
	require.NoError(t, err)

	records := []model.EmailRecord{
		{Checksum: "sum-1"},
		{SourceEntry: "messages/00002.eml", Checksum: "sum-2"},
	}

	require.NoError(t, u.Run(context.Background(), records))
	require.Len(t, events, 2)
	assert.Equal(t, stats.EventTypeError, events[0].Type)
	assert.Equal(t, stats.EventTypeDryRunDeliver, events[1].Type)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	u, err := NewUploader(Options{Host: "imap.example.com", Port: 993, DryRun: true}, state.NewMemoryTracker(), nil, discardLogger(), nil)
	require.NoError(t, err)

	err = u.Run(ctx, []model.EmailRecord{{SourceEntry: "a", Checksum: "b"}})
	require.ErrorIs(t, err, context.Canceled)
}
