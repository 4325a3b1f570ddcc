// Package imapx wraps a stateful go-imap v2 session to a single mailbox
// server: connection and login, folder namespace discovery, folder creation,
// UID search, message fetch, append, and move/copy with fallback.
package imapx

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
)

// Options configures a Client.
type Options struct {
	Host     string
	Port     string
	Username string
	Password string

	// MailboxPrefix skips namespace discovery when set.
	MailboxPrefix string
}

// Client is a stateful session to one IMAP server. It is not safe for
// concurrent use; the agent serializes all protocol calls.
type Client struct {
	opts   Options
	logger *zap.Logger

	cli *imapclient.Client

	// Namespace discovery state: Unknown (prefixKnown=false) until the
	// first LIST, then Discovered. EnsureFolder may adopt the INBOX
	// namespace exactly once as a create-failure fallback.
	prefix      string
	prefixKnown bool
	delimiter   string

	selected         string
	selectedReadOnly bool
}

// NewClient creates a client configuration. Connect must be called before
// any other operation.
func NewClient(opts Options, logger *zap.Logger) *Client {
	c := &Client{opts: opts, logger: logger}
	if opts.MailboxPrefix != "" {
		c.prefix = opts.MailboxPrefix
		c.prefixKnown = true
	}
	return c
}

// Connect dials the server over TLS, authenticates, and discovers the folder
// namespace unless a prefix was configured.
func (c *Client) Connect() error {
	addr := c.opts.Host + ":" + c.opts.Port

	cli, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := cli.Login(c.opts.Username, c.opts.Password).Wait(); err != nil {
		_ = cli.Logout().Wait()
		return &AuthError{
			Username: c.opts.Username,
			Message:  err.Error(),
		}
	}

	c.cli = cli
	c.selected = ""
	if !c.prefixKnown {
		c.discoverNamespace()
	}
	return nil
}

// Logout ends the session. Safe to call when not connected.
func (c *Client) Logout() error {
	if c.cli == nil {
		return nil
	}
	err := c.cli.Logout().Wait()
	c.cli = nil
	return err
}

// Noop sends a keepalive.
func (c *Client) Noop() error {
	if err := c.cli.Noop().Wait(); err != nil {
		return opErr("NOOP", "", err)
	}
	return nil
}

// discoverNamespace lists all folders once, determines the dominant
// hierarchy delimiter, and infers whether non-INBOX folders live under an
// INBOX<delimiter> namespace. Failures leave the prefix empty; folder names
// are then used as-is.
func (c *Client) discoverNamespace() {
	folders, delims, err := c.listAll()
	if err != nil {
		c.logger.Warn("namespace discovery failed, using flat names",
			zap.String("event", "namespace_discovery_failed"), zap.Error(err))
		return
	}

	counts := map[string]int{}
	for _, d := range delims {
		if d != "" {
			counts[d]++
		}
	}
	best, bestCount := "", 0
	for d, n := range counts {
		if n > bestCount || (n == bestCount && d < best) {
			best, bestCount = d, n
		}
	}
	c.delimiter = best

	hasPrefix := func(p string) bool {
		for _, name := range folders {
			if name != "INBOX" && strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	}
	switch {
	case c.delimiter != "" && hasPrefix("INBOX"+c.delimiter):
		c.prefix = "INBOX" + c.delimiter
	case hasPrefix("INBOX."):
		c.prefix = "INBOX."
	case hasPrefix("INBOX/"):
		c.prefix = "INBOX/"
	}
	c.prefixKnown = true
	c.logger.Debug("namespace discovered",
		zap.String("event", "namespace_discovered"),
		zap.String("prefix", c.prefix),
		zap.String("delimiter", c.delimiter))
}

// resolve applies the discovered namespace prefix. Folder names that already
// start with INBOX are never prefixed.
func (c *Client) resolve(folder string) string {
	if folder == "" {
		return folder
	}
	if strings.HasPrefix(strings.ToUpper(folder), "INBOX") {
		return folder
	}
	if c.prefix != "" {
		return c.prefix + folder
	}
	return folder
}

func (c *Client) listAll() (names []string, delims []string, err error) {
	listCmd := c.cli.List("", "*", nil)
	boxes, err := listCmd.Collect()
	if err != nil {
		return nil, nil, opErr("LIST", "*", err)
	}
	for _, box := range boxes {
		names = append(names, box.Mailbox)
		if box.Delim != 0 {
			delims = append(delims, string(box.Delim))
		}
	}
	return names, delims, nil
}

// ListFolders returns all folder names known to the server.
func (c *Client) ListFolders() ([]string, error) {
	names, _, err := c.listAll()
	return names, err
}

// EnsureFolder creates a folder if it does not exist. Idempotent: a create
// racing with another session is treated as success. If creation fails
// because the server requires the INBOX namespace and none was discovered,
// the prefix is adopted and the create retried exactly once.
func (c *Client) EnsureFolder(folder string) error {
	existing, err := c.ListFolders()
	if err != nil {
		return err
	}
	resolved := c.resolve(folder)
	for _, name := range existing {
		if name == resolved {
			return nil
		}
	}

	err = c.cli.Create(resolved, nil).Wait()
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(strings.ToUpper(msg), "ALREADYEXISTS") {
		return nil
	}
	if c.prefix == "" && strings.Contains(msg, "INBOX") {
		// Common server hint (e.g. Dovecot): folders must live under the
		// INBOX namespace. Adopt it and retry once.
		delim := c.delimiter
		if delim == "" {
			delim = "."
		}
		c.prefix = "INBOX" + delim
		c.prefixKnown = true
		retryErr := c.cli.Create(c.resolve(folder), nil).Wait()
		if retryErr == nil || strings.Contains(strings.ToUpper(retryErr.Error()), "ALREADYEXISTS") {
			return nil
		}
	}
	return opErr("CREATE", folder, err)
}

// SelectFolder selects a folder, optionally read-only. Re-selecting the
// already selected folder in the same mode is a no-op.
func (c *Client) SelectFolder(folder string, readOnly bool) error {
	if c.selected == folder && c.selectedReadOnly == readOnly {
		return nil
	}
	opts := &imap.SelectOptions{ReadOnly: readOnly}
	if _, err := c.cli.Select(c.resolve(folder), opts).Wait(); err != nil {
		return opErr("SELECT", folder, err)
	}
	c.selected = folder
	c.selectedReadOnly = readOnly
	return nil
}

// TemporarySelect selects a folder and returns a restore function that
// re-selects whatever was selected before.
func (c *Client) TemporarySelect(folder string, readOnly bool) (restore func(), err error) {
	prev, prevReadOnly := c.selected, c.selectedReadOnly
	if err := c.SelectFolder(folder, readOnly); err != nil {
		return nil, err
	}
	return func() {
		if prev != "" {
			_ = c.SelectFolder(prev, prevReadOnly)
		}
	}, nil
}

func (c *Client) uidSearch(criteria *imap.SearchCriteria, op string) ([]uint32, error) {
	data, err := c.cli.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, opErr(op, c.selected, err)
	}
	raw := data.AllUIDs()
	uids := make([]uint32, 0, len(raw))
	for _, uid := range raw {
		uids = append(uids, uint32(uid))
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// UIDsSince returns the UIDs strictly greater than lastUID in the selected
// folder, ascending.
func (c *Client) UIDsSince(lastUID uint32) ([]uint32, error) {
	uidSet := imap.UIDSet{imap.UIDRange{Start: imap.UID(lastUID + 1), Stop: 0}}
	criteria := &imap.SearchCriteria{UID: []imap.UIDSet{uidSet}}
	uids, err := c.uidSearch(criteria, "UID SEARCH")
	if err != nil {
		return nil, err
	}
	// Servers answer "UID n:*" with at least the last message even when its
	// UID is <= n; filter those out.
	filtered := uids[:0]
	for _, uid := range uids {
		if uid > lastUID {
			filtered = append(filtered, uid)
		}
	}
	return filtered, nil
}

// UIDsSinceDate returns the UIDs of messages received on or after the given
// date in the selected folder.
func (c *Client) UIDsSinceDate(since time.Time) ([]uint32, error) {
	criteria := &imap.SearchCriteria{Since: since}
	return c.uidSearch(criteria, "UID SEARCH SINCE")
}

// UIDsAll returns every UID in the selected folder.
func (c *Client) UIDsAll() ([]uint32, error) {
	return c.uidSearch(&imap.SearchCriteria{}, "UID SEARCH ALL")
}

// UIDsMatchingHeader returns the UIDs whose named header contains value.
func (c *Client) UIDsMatchingHeader(header, value string) ([]uint32, error) {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: header, Value: value}},
	}
	return c.uidSearch(criteria, "UID SEARCH HEADER")
}

// FetchBody fetches the full raw message for the given UID without setting
// the \Seen flag. Returns MessageNotFoundError when the UID no longer exists.
func (c *Client) FetchBody(uid uint32) ([]byte, error) {
	uidSet := imap.UIDSetNum(imap.UID(uid))
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := c.cli.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &MessageNotFoundError{Folder: c.selected, UID: uid}
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, opErr("FETCH", c.selected, err)
	}
	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, &MessageNotFoundError{Folder: c.selected, UID: uid}
	}
	if err := fetchCmd.Close(); err != nil {
		return raw, opErr("FETCH", c.selected, err)
	}
	return raw, nil
}

// FetchFlags returns the flags currently set on the given UID.
func (c *Client) FetchFlags(uid uint32) ([]string, error) {
	uidSet := imap.UIDSetNum(imap.UID(uid))
	fetchOpts := &imap.FetchOptions{UID: true, Flags: true}

	fetchCmd := c.cli.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &MessageNotFoundError{Folder: c.selected, UID: uid}
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, opErr("FETCH FLAGS", c.selected, err)
	}
	flags := make([]string, 0, len(buf.Flags))
	for _, flag := range buf.Flags {
		flags = append(flags, string(flag))
	}
	if err := fetchCmd.Close(); err != nil {
		return flags, opErr("FETCH FLAGS", c.selected, err)
	}
	return flags, nil
}

// HasFlag reports whether flags contains the named system flag, ignoring
// case and the leading backslash.
func HasFlag(flags []string, want string) bool {
	want = strings.ToLower(strings.TrimPrefix(want, "\\"))
	for _, flag := range flags {
		if strings.ToLower(strings.TrimPrefix(strings.TrimSpace(flag), "\\")) == want {
			return true
		}
	}
	return false
}

// Append stores a message into a folder with the given flags. The returned
// UID is 0 when the server did not report one; that is success with an
// unknown UID, not an error.
func (c *Client) Append(folder string, raw []byte, flags []imap.Flag) (uint32, error) {
	opts := &imap.AppendOptions{Flags: flags}
	cmd := c.cli.Append(c.resolve(folder), int64(len(raw)), opts)
	if _, err := cmd.Write(raw); err != nil {
		return 0, opErr("APPEND", folder, err)
	}
	if err := cmd.Close(); err != nil {
		return 0, opErr("APPEND", folder, err)
	}
	data, err := cmd.Wait()
	if err != nil {
		return 0, opErr("APPEND", folder, err)
	}
	if data == nil {
		return 0, nil
	}
	return uint32(data.UID), nil
}

// Move relocates a message to dest. A native MOVE is preferred when the
// server advertises it; otherwise the fallback is copy, mark-deleted, then
// expunge. The fallback is not atomic: a partial failure can leave the
// message present in both folders (at-least-once delivery into dest).
func (c *Client) Move(uid uint32, dest string) error {
	uidSet := imap.UIDSetNum(imap.UID(uid))
	resolved := c.resolve(dest)

	if c.cli.Caps().Has(imap.CapMove) {
		if _, err := c.cli.Move(uidSet, resolved).Wait(); err == nil {
			return nil
		}
	}

	if _, err := c.cli.Copy(uidSet, resolved).Wait(); err != nil {
		return opErr("COPY", dest, err)
	}
	storeCmd := c.cli.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return opErr("STORE +Deleted", c.selected, err)
	}
	if err := c.cli.Expunge().Close(); err != nil {
		return opErr("EXPUNGE", c.selected, err)
	}
	return nil
}

// Copy copies a message to dest, leaving the original in place.
func (c *Client) Copy(uid uint32, dest string) error {
	uidSet := imap.UIDSetNum(imap.UID(uid))
	if _, err := c.cli.Copy(uidSet, c.resolve(dest)).Wait(); err != nil {
		return opErr("COPY", dest, err)
	}
	return nil
}
