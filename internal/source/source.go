package source

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrEndOfStore is returned by Next when no further message is available.
var ErrEndOfStore = errors.New("end of store")

// Locator is an opaque, store-relative message address: a byte offset for
// file-backed stores, a filename key for maildir, a UID for IMAP.
type Locator string

// Header is the subset of a message header the index needs.
type Header struct {
	MessageID string
	Subject   string
	From      string
	Date      time.Time

	// Raw holds the header bytes exactly as stored.
	Raw []byte
}

// Source defines the contract every message store variant implements.
//
// Implementations whose bytes come from one shared handle serialize their
// internal seek+read sequences, so retrieval calls are safe to use while a
// poll is in progress. Next and the cursor methods are driven by a single
// poll cycle at a time.
type Source interface {
	// ID returns the registry id of the store.
	ID() int64

	// URI returns the canonical store URI.
	URI() string

	// StartLocator and EndLocator bound the addressable range at the
	// moment of the call.
	StartLocator(ctx context.Context) (Locator, error)
	EndLocator(ctx context.Context) (Locator, error)

	// Next advances exactly one message and returns its locator and the
	// labels the store assigns it. It returns ErrEndOfStore when done.
	Next(ctx context.Context) (Locator, []string, error)

	// Cursor returns the resume point reached by Next.
	Cursor() string

	// SetCursor restores a persisted resume point.
	SetCursor(cursor string) error

	// Reset rewinds the cursor to the start of the store.
	Reset()

	// LoadHeader parses the header of the message at loc.
	LoadHeader(ctx context.Context, loc Locator) (*Header, error)

	// LoadMessage returns a reader over the full message at loc.
	LoadMessage(ctx context.Context, loc Locator) (io.Reader, error)

	// RawHeader and RawMessage return the stored bytes unparsed.
	RawHeader(ctx context.Context, loc Locator) ([]byte, error)
	RawMessage(ctx context.Context, loc Locator) ([]byte, error)

	// Close releases descriptors and sessions.
	Close() error
}

// Watchable is implemented by stores backed by local paths; the poller
// watches these paths and triggers a poll on change.
type Watchable interface {
	WatchPaths() []string
}

// Options carries the registry settings that influence labeling.
type Options struct {
	ID       int64
	URI      string
	Archived bool
	Labels   []string
}

// BaseLabels returns the labels every message of the store receives.
func (o Options) BaseLabels() []string {
	labels := make([]string, 0, len(o.Labels)+1)
	if !o.Archived {
		labels = append(labels, LabelInbox)
	}
	labels = append(labels, o.Labels...)
	return labels
}

// Standard labels assigned from store flags.
const (
	LabelInbox     = "inbox"
	LabelUnread    = "unread"
	LabelStarred   = "starred"
	LabelReplied   = "replied"
	LabelForwarded = "forwarded"
	LabelDraft     = "draft"
	LabelDeleted   = "deleted"
)
