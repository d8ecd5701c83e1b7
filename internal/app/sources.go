package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/email"
	"github.com/nhle/mailsync/internal/source/maildir"
	"github.com/nhle/mailsync/internal/source/mbox"
	appsync "github.com/nhle/mailsync/internal/sync"
)

// Secrets looks up store passwords. credential.Get satisfies it.
type Secrets func(key string) (string, error)

// OpenSource builds the store variant named by the record's URI scheme.
// Nothing is dialed or opened until the first read.
func OpenSource(rec model.StoreRecord, remoteCfg model.RemoteConfig, secrets Secrets, log zerolog.Logger) (source.Source, error) {
	u, err := url.Parse(rec.URI)
	if err != nil {
		return nil, fmt.Errorf("parsing store uri %q: %w", rec.URI, err)
	}
	opts := source.Options{ID: rec.ID, URI: rec.URI, Archived: rec.Archived, Labels: rec.Labels}
	log = log.With().Int64("store", rec.ID).Logger()

	switch model.StoreKind(u.Scheme) {
	case model.StoreKindMbox:
		return mbox.NewLocal(opts, u.Path, log), nil

	case model.StoreKindMaildir:
		return maildir.New(opts, u.Path, log), nil

	case model.StoreKindRemoteMbox:
		return openRemoteMbox(opts, u, remoteCfg, secrets, log)

	case model.StoreKindIMAP, model.StoreKindIMAPS:
		return openIMAP(opts, u, remoteCfg, secrets, log)
	}
	return nil, fmt.Errorf("unsupported store type %q", u.Scheme)
}

// openRemoteMbox serves mbox+ssh://user@host[:port]/path. A password in
// the keyring wins over the key file named by the "key" query parameter,
// which defaults to ~/.ssh/id_ed25519 or ~/.ssh/id_rsa.
func openRemoteMbox(
	opts source.Options, u *url.URL, cfg model.RemoteConfig, secrets Secrets, log zerolog.Logger,
) (source.Source, error) {
	port := 0
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid ssh port %q", p)
		}
		port = n
	}

	user := u.User.Username()
	if user == "" {
		user = os.Getenv("USER")
	}

	sshCfg := remote.SSHConfig{
		Host:    u.Hostname(),
		Port:    port,
		User:    user,
		KeyFile: u.Query().Get("key"),
	}
	pw, err := secrets(credential.StoreKey(opts.ID))
	switch {
	case err == nil:
		sshCfg.Password = pw
	case !errors.Is(err, credential.ErrNotFound):
		return nil, err
	case sshCfg.KeyFile == "":
		sshCfg.KeyFile = defaultKeyFile()
	}

	// "/~/mail/inbox" is relative to the remote home directory
	path := u.Path
	if strings.HasPrefix(path, "/~/") {
		path = path[3:]
	}

	file := remote.NewBufferedFile(remote.NewSSHTransport(sshCfg), path, remote.Options{
		ReasonableTransferSize: cfg.ReasonableTransferSize,
		MaxTransferSize:        cfg.MaxTransferSize,
		MaxBufferSize:          cfg.MaxBufferSize,
		SizeCheckInterval:      cfg.SizeCheckInterval(),
		MaxRetries:             cfg.MaxRetries,
		Logger:                 log,
	})
	return mbox.New(opts, file, "", log), nil
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// openIMAP serves imap[s]://user@host[:port]/Mailbox. The password comes
// from the keyring.
func openIMAP(
	opts source.Options, u *url.URL, cfg model.RemoteConfig, secrets Secrets, log zerolog.Logger,
) (source.Source, error) {
	tls := u.Scheme == string(model.StoreKindIMAPS)
	port := u.Port()
	if port == "" {
		port = "143"
		if tls {
			port = "993"
		}
	}

	user := u.User.Username()
	if user == "" {
		return nil, fmt.Errorf("imap store %s has no user", opts.URI)
	}
	pw, err := secrets(credential.StoreKey(opts.ID))
	if err != nil {
		return nil, fmt.Errorf("imap store %s: %w", opts.URI, err)
	}

	mailbox := strings.Trim(u.Path, "/")
	client := email.NewIMAPClient(u.Hostname(), port, user, pw, tls)
	return email.NewSource(opts, client, mailbox, log).WithRetry(cfg.MaxRetries, nil), nil
}

// unavailable stands in for a store whose source could not be built, so
// the engine reports it broken instead of the store disappearing.
type unavailable struct {
	rec model.StoreRecord
	err error
}

func (u *unavailable) fatal() error { return source.Fatal(u.rec.URI, u.err) }

func (u *unavailable) ID() int64   { return u.rec.ID }
func (u *unavailable) URI() string { return u.rec.URI }

func (u *unavailable) StartLocator(context.Context) (source.Locator, error) { return "", u.fatal() }
func (u *unavailable) EndLocator(context.Context) (source.Locator, error)   { return "", u.fatal() }

func (u *unavailable) Next(context.Context) (source.Locator, []string, error) {
	return "", nil, u.fatal()
}

func (u *unavailable) Cursor() string         { return u.rec.Cursor }
func (u *unavailable) SetCursor(string) error { return nil }
func (u *unavailable) Reset()                 {}

func (u *unavailable) LoadHeader(context.Context, source.Locator) (*source.Header, error) {
	return nil, u.fatal()
}

func (u *unavailable) LoadMessage(context.Context, source.Locator) (io.Reader, error) {
	return nil, u.fatal()
}

func (u *unavailable) RawHeader(context.Context, source.Locator) ([]byte, error) {
	return nil, u.fatal()
}

func (u *unavailable) RawMessage(context.Context, source.Locator) ([]byte, error) {
	return nil, u.fatal()
}

func (u *unavailable) Close() error { return nil }

// Registrations builds a registration for every record. Records whose
// source cannot be built are registered as unavailable.
func Registrations(
	recs []model.StoreRecord, remoteCfg model.RemoteConfig, secrets Secrets, log zerolog.Logger,
) []appsync.Registration {
	regs := make([]appsync.Registration, 0, len(recs))
	for _, rec := range recs {
		src, err := OpenSource(rec, remoteCfg, secrets, log)
		if err != nil {
			log.Error().Err(err).Int64("store", rec.ID).Str("uri", rec.URI).Msg("store unavailable")
			src = &unavailable{rec: rec, err: err}
		}
		regs = append(regs, appsync.Registration{Record: rec, Source: src})
	}
	return regs
}
