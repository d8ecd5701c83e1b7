package mbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
)

// File is the random-access byte source under an mbox store. Local files
// and remote.BufferedFile both satisfy it.
type File interface {
	Seek(offset int64)
	Tell() int64
	Read(ctx context.Context, n int) ([]byte, error)
	Gets(ctx context.Context) ([]byte, error)
	EOF(ctx context.Context) (bool, error)
	Size(ctx context.Context) (int64, error)
	Close() error
}

// localFile is a File over a path on disk, opened on first use.
type localFile struct {
	path   string
	f      *os.File
	r      *bufio.Reader
	offset int64
	dirty  bool
}

// OpenLocal returns a File for path. The file is opened lazily so a store
// can be registered before its mbox exists.
func OpenLocal(path string) File {
	return &localFile{path: path, dirty: true}
}

func (l *localFile) ensureOpen() error {
	if l.f != nil {
		if !l.dirty || l.sameFile() {
			return nil
		}
		// replaced on disk (e.g. rewritten by another mail program)
		_ = l.f.Close()
		l.f = nil
		l.r = nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", l.path, err)
	}
	l.f = f
	l.dirty = true
	return nil
}

func (l *localFile) sameFile() bool {
	open, err := l.f.Stat()
	if err != nil {
		return false
	}
	onDisk, err := os.Stat(l.path)
	if err != nil {
		return true
	}
	return os.SameFile(open, onDisk)
}

func (l *localFile) reader() (*bufio.Reader, error) {
	if err := l.ensureOpen(); err != nil {
		return nil, err
	}
	if l.dirty {
		if _, err := l.f.Seek(l.offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking %s: %w", l.path, err)
		}
		if l.r == nil {
			l.r = bufio.NewReaderSize(l.f, 64*1024)
		} else {
			l.r.Reset(l.f)
		}
		l.dirty = false
	}
	return l.r, nil
}

func (l *localFile) Seek(offset int64) {
	if offset != l.offset {
		l.offset = offset
		l.dirty = true
	}
}

func (l *localFile) Tell() int64 {
	return l.offset
}

func (l *localFile) Read(_ context.Context, n int) ([]byte, error) {
	r, err := l.reader()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	l.offset += int64(got)
	if got > 0 {
		return buf[:got], nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return nil, err
}

func (l *localFile) Gets(_ context.Context) ([]byte, error) {
	r, err := l.reader()
	if err != nil {
		return nil, err
	}
	line, err := r.ReadBytes('\n')
	l.offset += int64(len(line))
	if len(line) > 0 {
		return line, nil
	}
	return nil, err
}

func (l *localFile) EOF(ctx context.Context) (bool, error) {
	size, err := l.Size(ctx)
	if err != nil {
		return false, err
	}
	return l.offset >= size, nil
}

func (l *localFile) Size(_ context.Context) (int64, error) {
	st, err := os.Stat(l.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", l.path, err)
	}
	return st.Size(), nil
}

func (l *localFile) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	l.r = nil
	l.dirty = true
	return err
}
