// Package maildir implements the maildir message store. A message's
// locator is its unique key, the file name without the ":2," info
// suffix, so flag changes and moves from new/ to cur/ keep it stable.
package maildir

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/source"
)

var subdirs = []string{"cur", "new"}

// cursor is the persisted resume point: the directory mtime observed
// when the current scan started, the last key handed out, and whether
// that scan completed.
type cursor struct {
	Mtime int64  `json:"mtime"`
	After string `json:"after"`
	Done  bool   `json:"done"`
}

// Source is a maildir directory.
type Source struct {
	opts source.Options
	dir  string
	log  zerolog.Logger

	mu     sync.Mutex
	cursor cursor
	files  map[string]string
}

// New creates a Source for the maildir at dir.
func New(opts source.Options, dir string, log zerolog.Logger) *Source {
	return &Source{
		opts: opts,
		dir:  dir,
		log:  log.With().Int64("store", opts.ID).Str("uri", opts.URI).Logger(),
	}
}

func (s *Source) ID() int64   { return s.opts.ID }
func (s *Source) URI() string { return s.opts.URI }

// WatchPaths returns the cur and new directories.
func (s *Source) WatchPaths() []string {
	return []string{filepath.Join(s.dir, "cur"), filepath.Join(s.dir, "new")}
}

// key returns the unique part of a maildir file name.
func key(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// info returns the flag letters of a maildir file name.
func info(name string) string {
	if i := strings.Index(name, ":2,"); i >= 0 {
		return name[i+3:]
	}
	return ""
}

// mtime returns the newest modification time of cur and new.
func (s *Source) mtime() (int64, error) {
	var latest int64
	for _, sub := range subdirs {
		st, err := os.Stat(filepath.Join(s.dir, sub))
		if err != nil {
			return 0, err
		}
		if t := st.ModTime().UnixNano(); t > latest {
			latest = t
		}
	}
	return latest, nil
}

// list scans cur and new and returns the sorted keys. Callers hold s.mu.
func (s *Source) list() ([]string, error) {
	files := make(map[string]string)
	for _, sub := range subdirs {
		entries, err := os.ReadDir(filepath.Join(s.dir, sub))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasPrefix(name, ".") {
				continue
			}
			files[key(name)] = filepath.Join(sub, name)
		}
	}
	s.files = files

	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Source) StartLocator(context.Context) (source.Locator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.list()
	if err != nil {
		return "", source.Fatal(s.opts.URI, err)
	}
	if len(keys) == 0 {
		return "", nil
	}
	return source.Locator(keys[0]), nil
}

func (s *Source) EndLocator(context.Context) (source.Locator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.list()
	if err != nil {
		return "", source.Fatal(s.opts.URI, err)
	}
	if len(keys) == 0 {
		return "", nil
	}
	return source.Locator(keys[len(keys)-1]), nil
}

func (s *Source) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, _ := json.Marshal(s.cursor)
	return string(b)
}

func (s *Source) SetCursor(c string) error {
	var decoded cursor
	if c != "" {
		if err := json.Unmarshal([]byte(c), &decoded); err != nil {
			return source.OutOfSync(s.opts.ID, s.opts.URI, "invalid maildir cursor %q", c)
		}
	}
	s.mu.Lock()
	s.cursor = decoded
	s.mu.Unlock()
	return nil
}

func (s *Source) Reset() {
	s.mu.Lock()
	s.cursor = cursor{}
	s.mu.Unlock()
}

// Next returns the next key in listing order. Once a scan completes the
// store reports end-of-store until the directory changes; then it scans
// again from the start and the index skips known locators.
func (s *Source) Next(ctx context.Context) (source.Locator, []string, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mtime, err := s.mtime()
	if err != nil {
		return "", nil, source.Fatal(s.opts.URI, err)
	}
	if s.cursor.Done {
		if mtime == s.cursor.Mtime {
			return "", nil, source.ErrEndOfStore
		}
		s.log.Debug().Msg("maildir changed, rescanning")
		s.cursor = cursor{Mtime: mtime}
	} else if s.cursor.After == "" {
		s.cursor.Mtime = mtime
	}

	keys, err := s.list()
	if err != nil {
		return "", nil, source.Fatal(s.opts.URI, err)
	}
	i := sort.SearchStrings(keys, s.cursor.After)
	if i < len(keys) && keys[i] == s.cursor.After {
		i++
	}
	if i >= len(keys) {
		s.cursor.Done = true
		return "", nil, source.ErrEndOfStore
	}

	k := keys[i]
	s.cursor.After = k
	return source.Locator(k), s.labels(s.files[k]), nil
}

// labels derives labels from the file's location and flags.
func (s *Source) labels(rel string) []string {
	labels := s.opts.BaseLabels()
	labels = append(labels, folderLabels(s.dir)...)

	flags := info(filepath.Base(rel))
	if !strings.ContainsRune(flags, 'S') {
		labels = append(labels, source.LabelUnread)
	}
	for _, f := range flags {
		switch f {
		case 'F':
			labels = append(labels, source.LabelStarred)
		case 'R':
			labels = append(labels, source.LabelReplied)
		case 'P':
			labels = append(labels, source.LabelForwarded)
		case 'D':
			labels = append(labels, source.LabelDraft)
		case 'T':
			labels = append(labels, source.LabelDeleted)
		}
	}
	return labels
}

// folderLabels labels messages with the maildir's folder name. Maildir++
// subfolders (".Sent") lose their leading dot.
func folderLabels(dir string) []string {
	name := strings.ToLower(strings.TrimPrefix(filepath.Base(filepath.Clean(dir)), "."))
	switch name {
	case "", "inbox", "maildir", "/":
		return nil
	}
	return []string{name}
}

// open finds the file for loc, relisting once if it has moved. Callers
// hold s.mu.
func (s *Source) open(loc source.Locator) (*os.File, error) {
	k := string(loc)
	if k == "" || strings.ContainsAny(k, "/:") {
		return nil, source.OutOfSync(s.opts.ID, s.opts.URI, "invalid maildir key %q", loc)
	}
	for attempt := 0; attempt < 2; attempt++ {
		rel, ok := s.files[k]
		if !ok || attempt > 0 {
			if _, err := s.list(); err != nil {
				return nil, source.Fatal(s.opts.URI, err)
			}
			if rel, ok = s.files[k]; !ok {
				break
			}
		}
		f, err := os.Open(filepath.Join(s.dir, rel))
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, source.Fatal(s.opts.URI, err)
		}
	}
	return nil, source.OutOfSync(s.opts.ID, s.opts.URI,
		"message %s no longer exists; it was probably deleted by another program", k)
}

func (s *Source) RawHeader(_ context.Context, loc source.Locator) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open(loc)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := source.ReadRawHeader(bufio.NewReader(f))
	if err == io.EOF {
		return nil, source.OutOfSync(s.opts.ID, s.opts.URI, "message %s is empty", loc)
	}
	if err != nil {
		return nil, source.Fatal(s.opts.URI, fmt.Errorf("reading %s: %w", loc, err))
	}
	return raw, nil
}

func (s *Source) RawMessage(_ context.Context, loc source.Locator) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.open(loc)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, source.Fatal(s.opts.URI, fmt.Errorf("reading %s: %w", loc, err))
	}
	return raw, nil
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
	return nil
}
