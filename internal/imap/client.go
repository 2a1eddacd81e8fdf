package imap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailterm/internal/credential"
	"github.com/nhle/mailterm/internal/model"
)

// MailboxStatus is the server state of a selected folder, captured at
// select time and compared against the persisted sync cursor.
type MailboxStatus struct {
	UIDValidity uint32
	UIDNext     uint32
	NumMessages uint32
}

// FlagEntry is one live server message during flag reconciliation:
// its UID and current flag set.
type FlagEntry struct {
	UID   uint32
	Flags model.Flags
}

// Client is one authenticated, long-lived IMAP connection. Unlike a
// connect-per-operation client it holds the selected mailbox open so
// the session can alternate between IDLE and commands without
// re-handshaking. Not safe for concurrent use; the session actor owns
// it exclusively.
type Client struct {
	account model.Account
	cli     *imapclient.Client

	// updates receives a coalesced signal whenever the server pushes
	// unilateral mailbox changes (EXISTS, EXPUNGE, FETCH).
	updates chan struct{}

	selected    string
	uidValidity uint32
}

// Dial connects to the account's IMAP server, authenticates with the
// given handle, and returns a live client. The caller must Close it.
func Dial(account model.Account, handle credential.AuthHandle) (*Client, error) {
	addr := account.IMAPHost + ":" + account.IMAPPort

	c := &Client{
		account: account,
		updates: make(chan struct{}, 1),
	}

	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(uint32) { c.notify() },
			Mailbox: func(*imapclient.UnilateralDataMailbox) { c.notify() },
			Fetch:   func(msg *imapclient.FetchMessageData) { c.notify() },
		},
	}

	var cli *imapclient.Client
	var err error
	if account.TLS {
		cli, err = imapclient.DialTLS(addr, opts)
	} else {
		cli, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, classifyDialErr("dial "+addr, account.Email, err)
	}

	if saslClient := handle.SASL(); saslClient != nil {
		err = cli.Authenticate(saslClient)
	} else {
		err = cli.Login(handle.Username(), handle.Password()).Wait()
	}
	if err != nil {
		_ = cli.Logout().Wait()
		return nil, &AuthError{
			Account: account.Email,
			Message: fmt.Sprintf("authentication failed for %s: %v", handle.Username(), err),
		}
	}

	c.cli = cli
	return c, nil
}

func (c *Client) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Updates returns the channel signalled on unilateral server pushes.
func (c *Client) Updates() <-chan struct{} { return c.updates }

// SelectFolder opens the folder and returns its server state.
func (c *Client) SelectFolder(folder string) (MailboxStatus, error) {
	data, err := c.cli.Select(folder, nil).Wait()
	if err != nil {
		return MailboxStatus{}, classifyOpErr("select "+folder, err)
	}

	c.selected = folder
	c.uidValidity = data.UIDValidity

	return MailboxStatus{
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
		NumMessages: data.NumMessages,
	}, nil
}

// Selected returns the currently selected folder, or "".
func (c *Client) Selected() string { return c.selected }

// ListFolders returns the account's mailbox names.
func (c *Client) ListFolders() ([]string, error) {
	list, err := c.cli.List("", "*", nil).Collect()
	if err != nil {
		return nil, classifyOpErr("list", err)
	}

	names := make([]string, 0, len(list))
	for _, mbox := range list {
		names = append(names, mbox.Mailbox)
	}
	return names, nil
}

// refsSection requests just the References header, which the envelope
// does not carry.
var refsSection = &imap.FetchItemBodySection{
	Specifier:    imap.PartSpecifierHeader,
	HeaderFields: []string{"References"},
	Peek:         true,
}

// FetchHeaders fetches envelope data for every message with UID >=
// fromUID in the selected folder. Pass 1 for a full folder fetch.
func (c *Client) FetchHeaders(fromUID uint32) ([]model.Message, error) {
	if fromUID == 0 {
		fromUID = 1
	}

	uidSet := imap.UIDSet{}
	uidSet.AddRange(imap.UID(fromUID), 0)

	fetchOpts := &imap.FetchOptions{
		Envelope:      true,
		Flags:         true,
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{},
		BodySection:   []*imap.FetchItemBodySection{refsSection},
	}

	fetchCmd := c.cli.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	var messages []model.Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		// A UID range ending in "*" always matches the last existing
		// message even when it is below the range start.
		if uint32(buf.UID) < fromUID {
			continue
		}

		messages = append(messages, c.messageFromBuffer(buf))
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, classifyOpErr("fetch headers", err)
	}
	return messages, nil
}

// FetchUIDFlags fetches the UID and flags of every message in the
// selected folder, used to reconcile cached flags and detect deletions.
func (c *Client) FetchUIDFlags() ([]FlagEntry, error) {
	seqSet := imap.SeqSet{}
	seqSet.AddRange(1, 0)

	fetchOpts := &imap.FetchOptions{
		Flags: true,
		UID:   true,
	}

	fetchCmd := c.cli.Fetch(seqSet, fetchOpts)
	defer fetchCmd.Close()

	var entries []FlagEntry
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		entries = append(entries, FlagEntry{
			UID:   uint32(buf.UID),
			Flags: flagsFromServer(buf.Flags),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return entries, classifyOpErr("fetch flags", err)
	}
	return entries, nil
}

// FetchBody fetches and parses the full MIME body of one message.
func (c *Client) FetchBody(uid uint32) (*model.Body, error) {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := c.cli.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, &NotFoundError{StableID: fmt.Sprintf("uid %d", uid)}
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, classifyOpErr("collect body", err)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, classifyOpErr("fetch body", err)
	}

	rawBody := buf.FindBodySection(bodySection)
	if rawBody == nil {
		return nil, &NotFoundError{StableID: fmt.Sprintf("uid %d", uid)}
	}

	body := parseMIMEBody(rawBody)
	body.Raw = rawBody
	return body, nil
}

// StoreFlags adds or removes flags on one message.
func (c *Client) StoreFlags(uid uint32, flags []imap.Flag, add bool) error {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	op := imap.StoreFlagsAdd
	if !add {
		op = imap.StoreFlagsDel
	}

	storeCmd := c.cli.Store(uidSet, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return classifyOpErr("store flags", err)
	}
	return nil
}

// Move moves one message to the destination folder.
func (c *Client) Move(uid uint32, dest string) error {
	uidSet := imap.UIDSetNum(imap.UID(uid))

	if _, err := c.cli.Move(uidSet, dest).Wait(); err != nil {
		return classifyOpErr("move to "+dest, err)
	}
	return nil
}

// Delete marks one message deleted and expunges it. With UIDPLUS the
// expunge targets only that UID; without it the folder-wide EXPUNGE
// also removes any other message already flagged deleted.
func (c *Client) Delete(uid uint32) error {
	if err := c.StoreFlags(uid, []imap.Flag{imap.FlagDeleted}, true); err != nil {
		return err
	}

	var cmd *imapclient.ExpungeCommand
	if supportsUIDPlus(c.cli.Caps()) {
		cmd = c.cli.UIDExpunge(imap.UIDSetNum(imap.UID(uid)))
	} else {
		cmd = c.cli.Expunge()
	}
	if err := cmd.Close(); err != nil {
		return classifyOpErr("expunge", err)
	}
	return nil
}

// supportsUIDPlus reports whether the server allows expunging by UID.
func supportsUIDPlus(caps imap.CapSet) bool {
	return caps.Has(imap.CapUIDPlus)
}

// IdleHandle is a running IDLE command. Close ends the wait; Wait
// blocks until the server acknowledges the end of the session.
type IdleHandle interface {
	Close() error
	Wait() error
}

// Idle enters IDLE on the selected folder. The returned handle's
// Close cancels the wait; server pushes arrive on Updates.
func (c *Client) Idle() (IdleHandle, error) {
	idleCmd, err := c.cli.Idle()
	if err != nil {
		return nil, classifyOpErr("idle", err)
	}
	return idleCmd, nil
}

// Close logs out and tears down the connection.
func (c *Client) Close() error {
	if err := c.cli.Logout().Wait(); err != nil {
		return c.cli.Close()
	}
	return nil
}

// messageFromBuffer converts one fetch result into a cached message.
func (c *Client) messageFromBuffer(buf *imapclient.FetchMessageBuffer) model.Message {
	m := model.Message{
		UID:       uint32(buf.UID),
		AccountID: c.account.Email,
		Folder:    c.selected,
		Flags:     flagsFromServer(buf.Flags),
	}

	if env := buf.Envelope; env != nil {
		m.Subject = env.Subject
		m.Date = env.Date

		if len(env.From) > 0 {
			m.From = env.From[0].Addr()
			m.FromName = env.From[0].Name
		}
		for _, to := range env.To {
			m.To = append(m.To, to.Addr())
		}

		m.StableID = model.DeriveStableID(
			cleanMessageID(env.MessageID), c.uidValidity, uint32(buf.UID),
		)
		if len(env.InReplyTo) > 0 {
			m.InReplyTo = cleanMessageID(env.InReplyTo[0])
		}
	} else {
		m.StableID = model.DeriveStableID("", c.uidValidity, uint32(buf.UID))
	}

	if raw := buf.FindBodySection(refsSection); raw != nil {
		m.References = parseReferences(raw)
	}

	if buf.BodyStructure != nil {
		m.HasAttachments = hasAttachments(buf.BodyStructure)
	}

	return m
}

// flagsFromServer maps protocol flags onto the cached bitmask.
func flagsFromServer(flags []imap.Flag) model.Flags {
	var f model.Flags
	for _, flag := range flags {
		switch flag {
		case imap.FlagSeen:
			f = f.With(model.FlagSeen)
		case imap.FlagFlagged:
			f = f.With(model.FlagStarred)
		case imap.FlagAnswered:
			f = f.With(model.FlagAnswered)
		case imap.FlagDeleted:
			f = f.With(model.FlagDeleted)
		}
	}
	return f
}

// cleanMessageID strips angle brackets and whitespace so reply-chain
// ids compare equal regardless of header formatting.
func cleanMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

// parseReferences extracts the References header message ids from a
// raw header section.
func parseReferences(raw []byte) []string {
	msg, err := netmail.ReadMessage(bytes.NewReader(append(raw, '\r', '\n')))
	if err != nil {
		return nil
	}

	refs := msg.Header.Get("References")
	if refs == "" {
		return nil
	}

	var ids []string
	for _, tok := range strings.Fields(refs) {
		if id := cleanMessageID(tok); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// hasAttachments walks the body structure looking for parts with an
// attachment disposition or a filename.
func hasAttachments(bs imap.BodyStructure) bool {
	found := false
	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		if disp := part.Disposition(); disp != nil {
			if strings.EqualFold(disp.Value, "attachment") {
				found = true
				return false
			}
			if _, ok := disp.Params["filename"]; ok {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// parseMIMEBody parses a raw RFC 5322 message and extracts the
// text/plain body, text/html body, and attachment metadata.
func parseMIMEBody(raw []byte) *model.Body {
	body := &model.Body{}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		body.Text = string(raw)
		return body
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				body.Text = string(content)
			case strings.HasPrefix(contentType, "text/html"):
				body.HTML = string(content)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}

			body.Attachments = append(body.Attachments, model.Attachment{
				Filename: filename,
				Size:     int64(len(content)),
				MIMEType: contentType,
			})
		}
	}

	return body
}

// classifyOpErr maps a mid-session command failure to the error
// taxonomy. Typed server responses distinguish rejections from
// transient trouble.
func classifyOpErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeNonExistent:
			return &NotFoundError{StableID: op}
		case imap.ResponseCodeNoPerm, imap.ResponseCodeCannot:
			return &PermissionError{Op: op, Reason: imapErr.Text}
		}
	}

	return classifyDialErr(op, "", err)
}
