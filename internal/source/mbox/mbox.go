// Package mbox implements the line-oriented mbox store. The same code
// serves local files and remote files reached through remote.BufferedFile;
// only the File underneath differs.
package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/source"
)

var breakRx = regexp.MustCompile(`^From \S+ +(.+?)\s*$`)

var looseDateRx = regexp.MustCompile(`\d{1,2}:\d{2}.*\d{4}|\d{4}.*\d{1,2}:\d{2}`)

// IsBreakLine reports whether line starts a new message: "From ",
// a sender token and a parseable date.
func IsBreakLine(line []byte) bool {
	m := breakRx.FindSubmatch(line)
	if m == nil {
		return false
	}
	date := string(m[1])
	for _, layout := range []string{time.ANSIC, time.UnixDate, time.RFC1123Z, time.RFC1123} {
		if _, err := time.Parse(layout, date); err == nil {
			return true
		}
	}
	return looseDateRx.MatchString(date)
}

func isBlank(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

// Source is an mbox store. Locators are byte offsets of "From " lines;
// the cursor is the offset where the next scan starts.
type Source struct {
	opts source.Options
	path string
	log  zerolog.Logger

	mu     sync.Mutex
	file   File
	cursor int64
}

// New creates a Source reading through file. path is the local path to
// watch for changes, empty for remote files.
func New(opts source.Options, file File, path string, log zerolog.Logger) *Source {
	return &Source{
		opts: opts,
		path: path,
		file: file,
		log:  log.With().Int64("store", opts.ID).Str("uri", opts.URI).Logger(),
	}
}

// NewLocal creates a Source over a local mbox file.
func NewLocal(opts source.Options, path string, log zerolog.Logger) *Source {
	return New(opts, OpenLocal(path), path, log)
}

func (s *Source) ID() int64   { return s.opts.ID }
func (s *Source) URI() string { return s.opts.URI }

// WatchPaths returns the local mbox path, if any.
func (s *Source) WatchPaths() []string {
	if s.path == "" {
		return nil
	}
	return []string{s.path}
}

// classify turns File errors into source errors at the store boundary.
func (s *Source) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if source.IsOutOfSync(err) || source.IsFatal(err) {
		return err
	}
	return source.Fatal(s.opts.URI, err)
}

func (s *Source) StartLocator(context.Context) (source.Locator, error) {
	return formatOffset(0), nil
}

func (s *Source) EndLocator(ctx context.Context) (source.Locator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, err := s.file.Size(ctx)
	if err != nil {
		return "", s.classify(err)
	}
	return formatOffset(size), nil
}

func (s *Source) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.FormatInt(s.cursor, 10)
}

func (s *Source) SetCursor(cursor string) error {
	var off int64
	if cursor != "" {
		var err error
		off, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil || off < 0 {
			return source.OutOfSync(s.opts.ID, s.opts.URI, "invalid mbox cursor %q", cursor)
		}
	}
	s.mu.Lock()
	s.cursor = off
	s.mu.Unlock()
	return nil
}

func (s *Source) Reset() {
	s.mu.Lock()
	s.cursor = 0
	s.mu.Unlock()
}

// Next returns the message starting at the cursor. Blank lines before the
// boundary are skipped, so a cursor left behind the separator of a newly
// appended message is accepted. Only a boundary line ends a message.
func (s *Source) Next(ctx context.Context) (source.Locator, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, err := s.file.Size(ctx)
	if err != nil {
		return "", nil, s.classify(err)
	}
	if s.cursor > size {
		s.log.Debug().Int64("cursor", s.cursor).Int64("size", size).Msg("mbox shrank")
		return "", nil, source.OutOfSync(s.opts.ID, s.opts.URI,
			"mbox is smaller (%d bytes) than the last recorded offset %d; messages were probably deleted by another program",
			size, s.cursor)
	}

	s.file.Seek(s.cursor)
	var start int64
	for {
		start = s.file.Tell()
		line, err := s.file.Gets(ctx)
		if err == io.EOF {
			return "", nil, source.ErrEndOfStore
		}
		if err != nil {
			return "", nil, s.classify(err)
		}
		if isBlank(line) {
			continue
		}
		if !IsBreakLine(line) {
			return "", nil, source.OutOfSync(s.opts.ID, s.opts.URI,
				"expected a message boundary at offset %d, found %q", start, truncate(line))
		}
		break
	}

	var header bytes.Buffer
	inHeader := true
	next := size
	for {
		pos := s.file.Tell()
		line, err := s.file.Gets(ctx)
		if err == io.EOF {
			next = pos
			break
		}
		if err != nil {
			return "", nil, s.classify(err)
		}
		if IsBreakLine(line) {
			next = pos
			break
		}
		if inHeader {
			header.Write(line)
			if isBlank(line) {
				inHeader = false
			}
		}
	}

	s.cursor = next
	labels := append(s.opts.BaseLabels(), statusLabels(header.Bytes())...)
	return formatOffset(start), labels, nil
}

// statusLabels derives labels from the Status and X-Status headers
// written by local delivery agents and mail readers.
func statusLabels(raw []byte) []string {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return []string{source.LabelUnread}
	}
	var labels []string
	if !strings.Contains(th.Get("Status"), "R") {
		labels = append(labels, source.LabelUnread)
	}
	xs := th.Get("X-Status")
	if strings.Contains(xs, "F") {
		labels = append(labels, source.LabelStarred)
	}
	if strings.Contains(xs, "A") {
		labels = append(labels, source.LabelReplied)
	}
	if strings.Contains(xs, "D") {
		labels = append(labels, source.LabelDeleted)
	}
	return labels
}

// seekMessage positions the file after the boundary line at loc, checking
// that loc still starts a message. Callers hold s.mu.
func (s *Source) seekMessage(ctx context.Context, loc source.Locator) error {
	off, err := parseOffset(loc)
	if err != nil {
		return source.OutOfSync(s.opts.ID, s.opts.URI, "invalid mbox locator %q", loc)
	}
	s.file.Seek(off)
	line, err := s.file.Gets(ctx)
	if err == io.EOF {
		return source.OutOfSync(s.opts.ID, s.opts.URI, "no message at offset %d: end of file", off)
	}
	if err != nil {
		return s.classify(err)
	}
	if !IsBreakLine(line) {
		return source.OutOfSync(s.opts.ID, s.opts.URI,
			"no message boundary at offset %d, found %q", off, truncate(line))
	}
	return nil
}

func (s *Source) RawHeader(ctx context.Context, loc source.Locator) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.seekMessage(ctx, loc); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for {
		line, err := s.file.Gets(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, s.classify(err)
		}
		buf.Write(line)
		if isBlank(line) {
			break
		}
	}
	return buf.Bytes(), nil
}

func (s *Source) RawMessage(ctx context.Context, loc source.Locator) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.seekMessage(ctx, loc); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for {
		line, err := s.file.Gets(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, s.classify(err)
		}
		if IsBreakLine(line) {
			break
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

func (s *Source) LoadHeader(ctx context.Context, loc source.Locator) (*source.Header, error) {
	raw, err := s.RawHeader(ctx, loc)
	if err != nil {
		return nil, err
	}
	return source.ParseHeader(raw), nil
}

func (s *Source) LoadMessage(ctx context.Context, loc source.Locator) (io.Reader, error) {
	raw, err := s.RawMessage(ctx, loc)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(raw), nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func formatOffset(off int64) source.Locator {
	return source.Locator(strconv.FormatInt(off, 10))
}

func parseOffset(loc source.Locator) (int64, error) {
	return strconv.ParseInt(string(loc), 10, 64)
}

func truncate(line []byte) string {
	s := strings.TrimRight(string(line), "\r\n")
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return s
}
