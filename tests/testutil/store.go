package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// MboxMessage renders a minimal mbox message with a From_ line.
func MboxMessage(id, subject string) string {
	return "From sender@example.com Mon Jan  2 15:04:05 2006\n" +
		"Message-Id: <" + id + ">\n" +
		"From: Sender <sender@example.com>\n" +
		"Subject: " + subject + "\n" +
		"\n" +
		"body of " + subject + "\n"
}

// WriteMbox writes the given messages, separated by blank lines, to a
// new mbox file and returns its path.
func WriteMbox(t *testing.T, messages ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mbox")
	var content string
	for i, m := range messages {
		if i > 0 {
			content += "\n"
		}
		content += m
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing mbox: %v", err)
	}
	return path
}

// AppendMbox appends messages to an existing mbox file.
func AppendMbox(t *testing.T, path string, messages ...string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening mbox: %v", err)
	}
	defer f.Close()
	for _, m := range messages {
		if _, err := f.WriteString("\n" + m); err != nil {
			t.Fatalf("appending to mbox: %v", err)
		}
	}
}

// NewMaildir creates an empty maildir named name and returns its path.
func NewMaildir(t *testing.T, name string) string {
	t.Helper()

	dir := filepath.Join(t.TempDir(), name)
	for _, sub := range []string{"cur", "new", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			t.Fatalf("creating maildir: %v", err)
		}
	}
	return dir
}
