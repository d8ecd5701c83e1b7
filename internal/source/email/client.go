package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPClient holds the settings for connecting to an IMAP server.
type IMAPClient struct {
	host     string
	port     string
	username string
	password string
	tls      bool
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(
	host, port, username, password string, tls bool,
) *IMAPClient {
	return &IMAPClient{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
	}
}

// Addr returns the host:port the client dials.
func (c *IMAPClient) Addr() string {
	return c.host + ":" + c.port
}

// Connect establishes a connection to the IMAP server, authenticates,
// and returns the connected client. The caller is responsible for
// calling Logout/Close on the returned client.
func (c *IMAPClient) Connect(
	ctx context.Context,
) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := c.Addr()

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("authentication failed for %s: %w", c.username, err)
	}

	return client, nil
}

// IsNetworkError reports whether err came from the connection rather than
// from the server, so the command may succeed on a new connection.
func IsNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

// selectMailbox selects name read-only and returns its status.
func selectMailbox(
	client *imapclient.Client, name string,
) (*imap.SelectData, error) {
	data, err := client.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return nil, fmt.Errorf("selecting %s: %w", name, err)
	}
	return data, nil
}

// searchAfter returns the UIDs above last, in ascending order. Servers
// answer "last+1:*" with the highest message even when it is not newer,
// so the result is filtered here.
func searchAfter(
	client *imapclient.Client, last imap.UID,
) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: last + 1, Stop: 0}}},
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return uidsAfter(searchData.AllUIDs(), last), nil
}

// fetchFlags returns the flags of each uid.
func fetchFlags(
	client *imapclient.Client, uids []imap.UID,
) (map[imap.UID][]imap.Flag, error) {
	fetchOpts := &imap.FetchOptions{
		Flags: true,
		UID:   true,
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), fetchOpts)
	defer fetchCmd.Close()

	flags := make(map[imap.UID][]imap.Flag, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		flags[buf.UID] = buf.Flags
	}

	if err := fetchCmd.Close(); err != nil {
		return flags, fmt.Errorf("fetching flags: %w", err)
	}
	return flags, nil
}

// fetchSection fetches one body section of uid without setting \Seen.
// A nil result means the message no longer exists.
func fetchSection(
	client *imapclient.Client, uid imap.UID, section *imap.FetchItemBodySection,
) ([]byte, error) {
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uid), fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, fetchCmd.Close()
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collecting message data: %w", err)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("closing fetch: %w", err)
	}
	return buf.FindBodySection(section), nil
}
