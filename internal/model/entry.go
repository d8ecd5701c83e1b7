package model

import (
	"sort"
	"time"
)

// Entry is one message recorded in the index.
type Entry struct {
	// MessageID is derived from the message's own Message-ID header.
	MessageID string `json:"message_id"`

	// StoreID identifies the registered store holding the message.
	StoreID int64 `json:"store_id"`

	// Locator addresses the message inside its store.
	Locator string `json:"locator"`

	// Labels is the label set, kept sorted and free of duplicates.
	Labels []string `json:"labels"`

	// SyncBack is true while label edits are pending write-back to the store.
	SyncBack bool `json:"sync_back"`

	Subject string    `json:"subject"`
	From    string    `json:"from"`
	Date    time.Time `json:"date"`

	// IndexedAt is when this entry was last written.
	IndexedAt time.Time `json:"indexed_at"`
}

// NormalizeLabels sorts labels and drops duplicates and empty values.
func NormalizeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
