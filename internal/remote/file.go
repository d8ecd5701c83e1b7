package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// Options tunes window growth and retry behaviour.
type Options struct {
	// ReasonableTransferSize is the minimum chunk fetched when growing the
	// window towards a nearby offset.
	ReasonableTransferSize int64

	// MaxTransferSize is the gap above which the window is discarded
	// instead of bridged.
	MaxTransferSize int64

	// MaxBufferSize bounds the retained window.
	MaxBufferSize int64

	// SizeCheckInterval is how long a fetched size is trusted.
	SizeCheckInterval time.Duration

	// MaxRetries bounds retries of transient transport errors. Zero means
	// the default; a negative value disables retries.
	MaxRetries int

	// Transient decides which errors are retried. Defaults to IsTransient.
	Transient func(error) bool

	// Now is the clock used for size caching.
	Now func() time.Time

	Logger zerolog.Logger
}

// DefaultOptions returns the standard tuning: 64 KiB chunks, 128 KiB
// transfer ceiling, 1 MiB window, sizes trusted for one minute, three
// retries.
func DefaultOptions() Options {
	return Options{
		ReasonableTransferSize: 64 * 1024,
		MaxTransferSize:        128 * 1024,
		MaxBufferSize:          1024 * 1024,
		SizeCheckInterval:      time.Minute,
		MaxRetries:             3,
		Logger:                 zerolog.Nop(),
	}
}

// Stats counts remote activity.
type Stats struct {
	// RoundTrips is the number of successful remote commands.
	RoundTrips int

	// Attempts includes retried attempts.
	Attempts int
}

// window is the contiguous cached byte range [start, start+len(data)).
type window struct {
	start int64
	data  []byte
}

func (w *window) end() int64 {
	return w.start + int64(len(w.data))
}

func (w *window) empty() bool {
	return len(w.data) == 0
}

func (w *window) clear() {
	w.start = 0
	w.data = nil
}

func (w *window) contains(from, to int64) bool {
	return !w.empty() && from >= w.start && to <= w.end()
}

// add grows the window by physically adjacent data. Anything else is a
// logic error in the caller.
func (w *window) add(data []byte, off int64) {
	switch {
	case w.empty():
		w.start = off
		w.data = append([]byte(nil), data...)
	case off == w.end():
		w.data = append(w.data, data...)
	case off+int64(len(data)) == w.start:
		grown := make([]byte, 0, len(data)+len(w.data))
		grown = append(grown, data...)
		w.data = append(grown, w.data...)
		w.start = off
	default:
		panic(fmt.Sprintf(
			"remote: non-contiguous window growth: window [%d,%d) add [%d,%d)",
			w.start, w.end(), off, off+int64(len(data)),
		))
	}
}

// BufferedFile presents seek/read/gets over a file reached through a
// high-latency Transport, caching one contiguous window of it.
//
// A BufferedFile has a single logical cursor and is not safe for
// concurrent use.
type BufferedFile struct {
	path      string
	transport Transport
	opts      Options

	offset int64
	buf    window

	size        int64
	sizeChecked time.Time
	haveSize    bool

	stats Stats
}

// NewBufferedFile creates a BufferedFile for path. Zero option fields take
// the DefaultOptions values.
func NewBufferedFile(t Transport, path string, opts Options) *BufferedFile {
	def := DefaultOptions()
	if opts.ReasonableTransferSize <= 0 {
		opts.ReasonableTransferSize = def.ReasonableTransferSize
	}
	if opts.MaxTransferSize <= 0 {
		opts.MaxTransferSize = def.MaxTransferSize
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = def.MaxBufferSize
	}
	if opts.SizeCheckInterval <= 0 {
		opts.SizeCheckInterval = def.SizeCheckInterval
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.Transient == nil {
		opts.Transient = IsTransient
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &BufferedFile{path: path, transport: t, opts: opts}
}

// Path returns the remote path.
func (f *BufferedFile) Path() string {
	return f.path
}

// Stats returns counters of remote activity so far.
func (f *BufferedFile) Stats() Stats {
	return f.stats
}

// Seek moves the cursor. It does no I/O.
func (f *BufferedFile) Seek(offset int64) {
	f.offset = offset
}

// Tell returns the cursor position.
func (f *BufferedFile) Tell() int64 {
	return f.offset
}

// Size returns the remote file length, refreshing it when the cached
// value is older than SizeCheckInterval.
func (f *BufferedFile) Size(ctx context.Context) (int64, error) {
	now := f.opts.Now()
	if f.haveSize && now.Sub(f.sizeChecked) < f.opts.SizeCheckInterval {
		return f.size, nil
	}

	out, err := f.do(ctx, "wc -c < "+shellquote.Join(f.path))
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, &Error{Path: f.path, Message: fmt.Sprintf("bad size %q", out), Err: err}
	}

	f.size = n
	f.sizeChecked = now
	f.haveSize = true
	return n, nil
}

// EOF reports whether the cursor is at or beyond the end of the file.
func (f *BufferedFile) EOF(ctx context.Context) (bool, error) {
	size, err := f.Size(ctx)
	if err != nil {
		return false, err
	}
	return f.offset >= size, nil
}

// Read returns up to n bytes from the cursor and advances it. It returns
// io.EOF when the cursor is at the end of the file. Reads larger than
// MaxBufferSize are served in window sized pieces.
func (f *BufferedFile) Read(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []byte
	for len(out) < n {
		chunk := int64(n - len(out))
		if chunk > f.opts.MaxBufferSize {
			chunk = f.opts.MaxBufferSize
		}
		part, err := f.readChunk(ctx, chunk)
		if err == io.EOF && len(out) > 0 {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
		if int64(len(part)) < chunk {
			break
		}
	}
	return out, nil
}

func (f *BufferedFile) readChunk(ctx context.Context, n int64) ([]byte, error) {
	if err := f.include(ctx, f.offset, n); err != nil {
		return nil, err
	}

	if f.buf.empty() || f.offset < f.buf.start || f.offset >= f.buf.end() {
		return nil, io.EOF
	}
	to := f.offset + n
	if to > f.buf.end() {
		to = f.buf.end()
	}
	out := append([]byte(nil), f.buf.data[f.offset-f.buf.start:to-f.buf.start]...)
	f.offset = to
	return out, nil
}

// Gets returns the line at the cursor including its trailing newline, or
// the remainder of the file when it does not end in one.
func (f *BufferedFile) Gets(ctx context.Context) ([]byte, error) {
	eof, err := f.EOF(ctx)
	if err != nil {
		return nil, err
	}
	if eof {
		return nil, io.EOF
	}
	if err := f.include(ctx, f.offset, 1); err != nil {
		return nil, err
	}

	for {
		if f.offset < f.buf.start || f.offset >= f.buf.end() {
			return nil, io.EOF
		}
		rest := f.buf.data[f.offset-f.buf.start:]
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line := append([]byte(nil), rest[:i+1]...)
			f.offset += int64(len(line))
			return line, nil
		}

		if f.buf.end() >= f.size {
			line := append([]byte(nil), rest...)
			f.offset += int64(len(line))
			return line, nil
		}

		grew, err := f.expandForward(ctx)
		if err != nil {
			return nil, err
		}
		if !grew {
			line := append([]byte(nil), rest...)
			f.offset += int64(len(line))
			return line, nil
		}
	}
}

// Close drops the transport session.
func (f *BufferedFile) Close() error {
	f.buf.clear()
	return f.transport.Close()
}

// include grows the window until it covers [offset, offset+n) clipped to
// the file size. Every iteration makes one round trip of at most
// MaxTransferSize bytes. n must not exceed MaxBufferSize.
func (f *BufferedFile) include(ctx context.Context, offset, n int64) error {
	if offset < 0 {
		return &Error{Path: f.path, Message: fmt.Sprintf("negative offset %d", offset)}
	}
	size, err := f.Size(ctx)
	if err != nil {
		return err
	}

	want := offset + n
	if want > size {
		want = size
	}

	for offset < want && !f.buf.contains(offset, want) {
		start, length := f.plan(offset, n)
		if length > f.opts.MaxTransferSize {
			if !f.buf.empty() && start+length == f.buf.start {
				start = f.buf.start - f.opts.MaxTransferSize
			}
			length = f.opts.MaxTransferSize
		}
		start, length = f.fit(offset, start, length)
		if start+length > size {
			length = size - start
		}
		if length <= 0 {
			return nil
		}

		data, err := f.fetch(ctx, start, length)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			// remote file shrank below the cached size
			f.haveSize = false
			return nil
		}
		f.buf.add(data, start)
	}
	return nil
}

// fit keeps the window within MaxBufferSize once [start, start+length)
// is added. Appends drop the bytes before offset and then shrink the
// fetch; prepends restart the window at offset.
func (f *BufferedFile) fit(offset, start, length int64) (int64, int64) {
	if f.buf.empty() || int64(len(f.buf.data))+length <= f.opts.MaxBufferSize {
		return start, length
	}

	if start == f.buf.end() {
		keep := offset
		if keep > f.buf.end() {
			keep = f.buf.end()
		}
		if keep > f.buf.start {
			f.buf.data = append([]byte(nil), f.buf.data[keep-f.buf.start:]...)
			f.buf.start = keep
		}
		if room := f.opts.MaxBufferSize - int64(len(f.buf.data)); length > room {
			length = room
		}
		return start, length
	}

	f.buf.clear()
	return offset, f.goodSize(0)
}

// goodSize is the preferred fetch length for an n byte request, never
// above MaxTransferSize.
func (f *BufferedFile) goodSize(n int64) int64 {
	if n < f.opts.ReasonableTransferSize {
		n = f.opts.ReasonableTransferSize
	}
	if n > f.opts.MaxTransferSize {
		n = f.opts.MaxTransferSize
	}
	return n
}

// plan chooses the next range to fetch so the window moves towards
// [offset, offset+n).
func (f *BufferedFile) plan(offset, n int64) (int64, int64) {
	good := f.goodSize(n)

	if f.buf.empty() {
		return offset, good
	}

	if offset < f.buf.start {
		gap := f.buf.start - offset
		switch {
		case gap <= good:
			start := f.buf.start - good
			if start < 0 {
				start = 0
			}
			return start, f.buf.start - start
		case gap < f.opts.MaxTransferSize:
			return offset, gap
		default:
			f.buf.clear()
			return offset, good
		}
	}

	gap := offset - f.buf.end()
	switch {
	case gap <= good:
		return f.buf.end(), good
	case gap < f.opts.MaxTransferSize:
		return f.buf.end(), gap + n
	default:
		f.buf.clear()
		return offset, good
	}
}

// expandForward appends one reasonable chunk to the window. When that
// would exceed MaxBufferSize the bytes before the cursor are dropped
// first.
func (f *BufferedFile) expandForward(ctx context.Context) (bool, error) {
	n := f.goodSize(0)
	if f.buf.end()-f.buf.start+n > f.opts.MaxBufferSize && f.offset > f.buf.start {
		f.buf.data = append([]byte(nil), f.buf.data[f.offset-f.buf.start:]...)
		f.buf.start = f.offset
	}
	if f.buf.end()-f.buf.start+n > f.opts.MaxBufferSize {
		return false, &Error{Path: f.path, Message: "line exceeds maximum buffer size"}
	}

	data, err := f.fetch(ctx, f.buf.end(), n)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	f.buf.add(data, f.buf.end())
	return true, nil
}

func (f *BufferedFile) fetch(ctx context.Context, start, length int64) ([]byte, error) {
	cmd := fmt.Sprintf("tail -c +%d %s | head -c %d", start+1, shellquote.Join(f.path), length)
	f.opts.Logger.Debug().
		Str("path", f.path).
		Int64("start", start).
		Int64("length", length).
		Msg("fetching remote range")
	return f.do(ctx, cmd)
}

// do runs cmd with bounded retries of transient faults. Persistent
// failures close the session and surface as *Error.
func (f *BufferedFile) do(ctx context.Context, cmd string) ([]byte, error) {
	var out []byte
	attempts, err := Retry(ctx, f.opts.MaxRetries, f.opts.Transient, func(ctx context.Context) error {
		var runErr error
		out, runErr = f.transport.Run(ctx, cmd)
		return runErr
	})
	f.stats.Attempts += attempts
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		_ = f.transport.Close()
		f.opts.Logger.Warn().Err(err).Str("path", f.path).Int("attempts", attempts).Msg("remote command failed")
		return nil, &Error{Path: f.path, Message: err.Error(), Err: err}
	}
	f.stats.RoundTrips++
	return out, nil
}
