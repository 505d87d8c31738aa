// Package deliver appends recovered messages to an IMAP mailbox. Records
// decoded straight from RFC 822 bytes are re-streamed verbatim from the
// container; everything else is re-encoded first.
package deliver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"olmconv/model"
	"olmconv/state"
	"olmconv/stats"
)

var (
	ErrMissingSourceEntry = errors.New("record has no source entry")
	ErrMissingChecksum    = errors.New("record has no checksum")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// EntrySource re-opens archive entries by path. container.Reader satisfies
// it; a nil source forces re-encoding for every record.
type EntrySource interface {
	OpenEntry(path string) (io.ReadCloser, error)
}

type Uploader struct {
	opts    Options
	tracker state.Tracker
	source  EntrySource
	logger  *slog.Logger
	emit    func(stats.Event)
}

func NewUploader(opts Options, tracker state.Tracker, source EntrySource, logger *slog.Logger, emit func(stats.Event)) (*Uploader, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	if emit == nil {
		emit = func(stats.Event) {}
	}
	return &Uploader{
		opts:    opts,
		tracker: tracker,
		source:  source,
		logger:  logger,
		emit:    emit,
	}, nil
}

// Run appends every record to the target mailbox, skipping checksums the
// tracker already knows. The connection is dialed lazily so dry runs and
// all-duplicate runs never touch the network.
func (u *Uploader) Run(ctx context.Context, records []model.EmailRecord) error {
	var (
		client  *imapclient.Client
		cleanup func()
	)
	defer func() {
		if cleanup != nil {
			cleanup()
		}
	}()

	for i := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &records[i]

		if rec.SourceEntry == "" {
			u.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeError, Err: ErrMissingSourceEntry})
			continue
		}
		if rec.Checksum == "" {
			err := fmt.Errorf("record %s: %w", rec.SourceEntry, ErrMissingChecksum)
			u.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeError, Entry: rec.SourceEntry, Err: err})
			return err
		}

		if u.tracker.AlreadyDelivered(rec.Checksum) {
			u.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeDuplicate, Entry: rec.SourceEntry})
			if u.logger != nil {
				u.logger.Debug("already delivered", "entry", rec.SourceEntry, "checksum", rec.Checksum)
			}
			continue
		}

		if u.opts.DryRun {
			if err := u.tracker.MarkDelivered(rec.Checksum, rec.SourceEntry); err != nil {
				u.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeError, Entry: rec.SourceEntry, Err: err})
				return err
			}
			u.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeDryRunDeliver, Entry: rec.SourceEntry})
			if u.logger != nil {
				u.logger.Debug("dry-run delivery", "entry", rec.SourceEntry, "target", u.targetFolder(), "checksum", rec.Checksum)
			}
			continue
		}

		raw, err := u.rawMessage(rec)
		if err != nil {
			// A record that cannot be turned back into a message is a
			// record problem, not a connection problem.
			err = fmt.Errorf("encode record %s: %w", rec.SourceEntry, err)
			u.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeError, Entry: rec.SourceEntry, Err: err})
			if u.logger != nil {
				u.logger.Warn("record not deliverable", "entry", rec.SourceEntry, "err", err)
			}
			continue
		}

		if client == nil {
			client, cleanup, err = u.dial(ctx)
			if err != nil {
				u.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeError, Entry: rec.SourceEntry, Err: err})
				return err
			}
		}

		if err := u.appendMessage(client, raw, rec); err != nil {
			err = fmt.Errorf("deliver %s: %w", rec.SourceEntry, err)
			u.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeError, Entry: rec.SourceEntry, Err: err})
			return err
		}

		if err := u.tracker.MarkDelivered(rec.Checksum, rec.SourceEntry); err != nil {
			u.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeError, Entry: rec.SourceEntry, Err: err})
			return err
		}

		u.emit(stats.Event{Stage: stats.StageDeliver, Type: stats.EventTypeDelivered, Entry: rec.SourceEntry})
		if u.logger != nil {
			u.logger.Debug("delivered message", "entry", rec.SourceEntry, "target", u.targetFolder(), "checksum", rec.Checksum)
		}
	}

	return nil
}

// rawMessage produces the bytes to append. RFC 822 sourced records keep
// their original bytes when the container can still serve them.
func (u *Uploader) rawMessage(rec *model.EmailRecord) ([]byte, error) {
	if rec.Strategy == model.StrategyRFC822 && u.source != nil {
		body, err := u.source.OpenEntry(rec.SourceEntry)
		if err == nil {
			data, readErr := io.ReadAll(body)
			_ = body.Close()
			if readErr == nil && len(data) > 0 {
				return data, nil
			}
			err = readErr
		}
		if u.logger != nil {
			u.logger.Warn("source entry unavailable, re-encoding", "entry", rec.SourceEntry, "err", err)
		}
	}
	return encodeRecord(rec)
}

func (u *Uploader) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(u.opts.Host, strconv.Itoa(u.opts.Port))
	options := &imapclient.Options{}

	if u.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         u.opts.Host,
			InsecureSkipVerify: u.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if u.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(u.opts.Username, u.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := u.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	if u.logger != nil {
		u.logger.Debug("imap connection established", "address", address, "user", u.opts.Username, "target", u.targetFolder(), "tls", u.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil {
				if u.logger != nil {
					u.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && u.logger != nil {
			u.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (u *Uploader) appendMessage(client *imapclient.Client, raw []byte, rec *model.EmailRecord) error {
	target := u.targetFolder()
	size := int64(len(raw))

	var opts *imapv2.AppendOptions
	if rec.Date != nil && !rec.Date.IsZero() {
		opts = &imapv2.AppendOptions{Time: *rec.Date}
	}

	cmd := client.Append(target, size, opts)

	remaining := raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}

	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}

	return nil
}

func (u *Uploader) targetFolder() string {
	if u.opts.TargetFolder == "" {
		return "INBOX"
	}
	return u.opts.TargetFolder
}

func (u *Uploader) ensureMailbox(client *imapclient.Client) error {
	target := u.targetFolder()
	cmd := client.Create(target, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				if u.logger != nil {
					u.logger.Debug("imap mailbox already exists", "mailbox", target)
				}
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	if u.logger != nil {
		u.logger.Info("imap mailbox created", "mailbox", target)
	}

	return nil
}
