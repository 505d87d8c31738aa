// Package decode turns raw archive entry bytes into canonical email
// records. Three strategies are tried per entry: strict RFC 822 parsing,
// the Outlook XML message layout, and a best-effort raw text fallback.
package decode

import (
	"errors"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"path/filepath"
	"strings"
	"time"

	"olmconv/model"
)

// ErrUnreadable means an entry could not be decoded by any strategy. The
// entry is skipped and counted; the job continues.
var ErrUnreadable = errors.New("entry not decodable as email")

// Strategy decodes one entry's bytes into a record, or reports that the
// bytes do not fit its format.
type Strategy interface {
	Name() model.Strategy
	Decode(path string, data []byte) (*model.EmailRecord, error)
}

// Chain tries strategies in order until one yields a record. The entry's
// path picks the strategy tried first; the rest follow in fixed fallback
// order (rfc822, xml, raw).
type Chain struct {
	logger     *slog.Logger
	strategies []Strategy
}

func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		logger: logger,
		strategies: []Strategy{
			rfc822Decoder{},
			xmlDecoder{},
			rawDecoder{},
		},
	}
}

// Decode runs the chain for one entry. A nil record with ErrUnreadable
// means every strategy rejected the bytes.
func (c *Chain) Decode(path string, data []byte) (*model.EmailRecord, error) {
	preferred := Classify(path)

	for _, s := range c.order(preferred) {
		rec, err := s.Decode(path, data)
		if err != nil {
			c.logger.Debug("decoder rejected entry",
				slog.String("entry", path),
				slog.String("strategy", string(s.Name())),
				slog.String("error", err.Error()))
			continue
		}
		rec.Strategy = s.Name()
		rec.SourceEntry = path
		return rec, nil
	}
	return nil, fmt.Errorf("entry %s: %w", path, ErrUnreadable)
}

func (c *Chain) order(preferred model.Strategy) []Strategy {
	out := make([]Strategy, 0, len(c.strategies))
	for _, s := range c.strategies {
		if s.Name() == preferred {
			out = append(out, s)
		}
	}
	for _, s := range c.strategies {
		if s.Name() != preferred {
			out = append(out, s)
		}
	}
	return out
}

// Classify picks the strategy to try first for an entry. Outlook archives
// keep messages in message_*.xml files, mbox-sourced entries are .eml, and
// everything else starts at the raw fallback. A "message" name without an
// extension still points at the XML decoder: some exports drop it.
func Classify(path string) model.Strategy {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".eml":
		return model.StrategyRFC822
	case ".xml":
		return model.StrategyXMLEnvelope
	}
	if strings.Contains(strings.ToLower(filepath.Base(path)), "message") {
		return model.StrategyXMLEnvelope
	}
	return model.StrategyRawFallback
}

// dateLayouts are tried in order after RFC 5322 parsing fails. They cover
// the timestamp shapes observed in Outlook XML exports and loose text.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"Mon Jan 2 15:04:05 2006",
	"2006-01-02",
}

// parseDate accepts the common mail timestamp formats. ok is false when no
// layout matches; callers record a warning and keep the record.
func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := netmail.ParseDate(s); err == nil {
		return t, true
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatAddress(a *netmail.Address) string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Address)
	}
	return a.Address
}
