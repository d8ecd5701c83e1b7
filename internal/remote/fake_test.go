package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"
)

// execCommand interprets the two remote commands BufferedFile issues
// against an in-memory file table.
func execCommand(files map[string][]byte, cmd string) ([]byte, error) {
	if strings.HasPrefix(cmd, "wc -c < ") {
		args, err := shellquote.Split(strings.TrimPrefix(cmd, "wc -c < "))
		if err != nil || len(args) != 1 {
			return nil, fmt.Errorf("bad wc command %q", cmd)
		}
		data, ok := files[args[0]]
		if !ok {
			return nil, fmt.Errorf("%s: No such file or directory", args[0])
		}
		return []byte(fmt.Sprintf("%d\n", len(data))), nil
	}

	parts := strings.SplitN(cmd, " | ", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
	tail, err := shellquote.Split(parts[0])
	if err != nil || len(tail) != 4 || tail[0] != "tail" {
		return nil, fmt.Errorf("bad tail command %q", parts[0])
	}
	head, err := shellquote.Split(parts[1])
	if err != nil || len(head) != 3 || head[0] != "head" {
		return nil, fmt.Errorf("bad head command %q", parts[1])
	}

	data, ok := files[tail[3]]
	if !ok {
		return nil, fmt.Errorf("%s: No such file or directory", tail[3])
	}
	from, err := strconv.ParseInt(strings.TrimPrefix(tail[2], "+"), 10, 64)
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseInt(head[2], 10, 64)
	if err != nil {
		return nil, err
	}

	start := from - 1
	if start > int64(len(data)) {
		start = int64(len(data))
	}
	end := start + n
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return append([]byte(nil), data[start:end]...), nil
}

// fakeTransport serves commands from memory and can inject failures.
type fakeTransport struct {
	mu       sync.Mutex
	files    map[string][]byte
	commands []string
	calls    int
	closes   int

	// failures is consulted per call; a non-nil entry is returned instead
	// of running the command.
	failures []error
}

func newFakeTransport(path string, data []byte) *fakeTransport {
	return &fakeTransport{files: map[string][]byte{path: data}}
}

func (t *fakeTransport) Run(_ context.Context, cmd string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.calls
	t.calls++
	if idx < len(t.failures) && t.failures[idx] != nil {
		return nil, t.failures[idx]
	}
	t.commands = append(t.commands, cmd)
	return execCommand(t.files, cmd)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return nil
}

func (t *fakeTransport) rangeFetches() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.commands {
		if strings.HasPrefix(c, "tail ") {
			n++
		}
	}
	return n
}

var errFlaky = errors.New("connection reset by peer")
