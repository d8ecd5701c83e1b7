package model

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// StoreKind identifies the variant of a message store.
type StoreKind string

const (
	StoreKindMbox       StoreKind = "mbox"
	StoreKindRemoteMbox StoreKind = "mbox+ssh"
	StoreKindMaildir    StoreKind = "maildir"
	StoreKindIMAP       StoreKind = "imap"
	StoreKindIMAPS      StoreKind = "imaps"
)

// StoreRecord is the persisted state of one registered store.
type StoreRecord struct {
	// ID is assigned once at registration and never reused.
	ID int64 `json:"id"`

	// URI locates the store, e.g. mbox:///var/mail/me.
	URI string `json:"uri"`

	// Cursor is the store-specific resume point, opaque outside the source.
	Cursor string `json:"cursor"`

	// Usual stores are polled by default; unusual ones only on request.
	Usual bool `json:"usual"`

	// Archived stores do not add the inbox label to new messages.
	Archived bool `json:"archived"`

	// SyncBack allows label edits to be written back to the store.
	SyncBack bool `json:"sync_back"`

	// Labels are added to every message discovered in this store.
	Labels []string `json:"labels,omitempty"`
}

// Kind returns the store variant encoded in the URI scheme.
func (r StoreRecord) Kind() StoreKind {
	u, err := url.Parse(r.URI)
	if err != nil {
		return ""
	}
	return StoreKind(u.Scheme)
}

var legacyKinds = map[string]StoreKind{
	"mbox":                                     StoreKindMbox,
	"mbox/loader":                              StoreKindMbox,
	"redwood::mbox":                            StoreKindMbox,
	"redwood::mbox::loader":                    StoreKindMbox,
	"!masanjin.net,2006-10-01/redwood/mbox":    StoreKindMbox,
	"!supmua.org,2006-10-01/redwood/mbox":      StoreKindMbox,
	"mbox+ssh":                                 StoreKindRemoteMbox,
	"mbox/ssh":                                 StoreKindRemoteMbox,
	"mbox/ssh/loader":                          StoreKindRemoteMbox,
	"redwood::mbox::sshloader":                 StoreKindRemoteMbox,
	"!masanjin.net,2006-10-01/redwood/sshmbox": StoreKindRemoteMbox,
	"maildir":                                  StoreKindMaildir,
	"redwood::maildir":                         StoreKindMaildir,
	"!masanjin.net,2006-10-01/redwood/maildir": StoreKindMaildir,
	"!supmua.org,2006-10-01/redwood/maildir":   StoreKindMaildir,
	"imap":                                     StoreKindIMAP,
	"imaps":                                    StoreKindIMAPS,
	"redwood::imap":                            StoreKindIMAP,
	"!masanjin.net,2006-10-01/redwood/imap":    StoreKindIMAP,
}

// NormalizeStoreKind maps current and legacy store tags onto a canonical kind.
func NormalizeStoreKind(tag string) (StoreKind, error) {
	key := strings.ToLower(strings.TrimSpace(tag))
	if kind, ok := legacyKinds[key]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("unknown store type %q", tag)
}

// NormalizeURI returns the canonical form of a store URI. Bare absolute
// paths are treated as mbox files; single-slash forms such as
// "maildir:/home/me/Mail" are rewritten with an empty authority.
func NormalizeURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty store uri")
	}
	if filepath.IsAbs(raw) {
		return "mbox://" + filepath.Clean(raw), nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing store uri %q: %w", raw, err)
	}
	kind, err := NormalizeStoreKind(u.Scheme)
	if err != nil {
		return "", err
	}
	u.Scheme = string(kind)

	switch kind {
	case StoreKindMbox, StoreKindMaildir:
		path := u.Path
		if u.Opaque != "" {
			path = u.Opaque
		}
		if u.Host != "" {
			// mbox://relative/path parsed the first element as host
			path = filepath.Join(u.Host, path)
		}
		if !filepath.IsAbs(path) {
			abs, err := filepath.Abs(path)
			if err != nil {
				return "", fmt.Errorf("resolving %s: %w", path, err)
			}
			path = abs
		}
		return string(kind) + "://" + filepath.Clean(path), nil
	case StoreKindRemoteMbox, StoreKindIMAP, StoreKindIMAPS:
		if u.Host == "" {
			return "", fmt.Errorf("store uri %q has no host", raw)
		}
		return u.String(), nil
	}
	return u.String(), nil
}

// StoreRecordFromConfig converts a YAML store entry, resolving legacy type
// tags. An explicit type wins over the URI scheme.
func StoreRecordFromConfig(sc StoreConfig) (StoreRecord, error) {
	uri := sc.URI
	if sc.Type != "" {
		kind, err := NormalizeStoreKind(sc.Type)
		if err != nil {
			return StoreRecord{}, err
		}
		if filepath.IsAbs(uri) {
			uri = string(kind) + "://" + uri
		} else if i := strings.Index(uri, ":"); i > 0 {
			uri = string(kind) + uri[i:]
		}
	}

	norm, err := NormalizeURI(uri)
	if err != nil {
		return StoreRecord{}, err
	}

	usual := true
	if sc.Usual != nil {
		usual = *sc.Usual
	}

	return StoreRecord{
		ID:       sc.ID,
		URI:      norm,
		Cursor:   sc.Cursor,
		Usual:    usual,
		Archived: sc.Archived,
		SyncBack: sc.SyncBack,
		Labels:   sc.Labels,
	}, nil
}
