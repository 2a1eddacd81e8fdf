package model

import (
	"fmt"
	"time"
)

// Message is one cached email message. The header fields are always
// present; the body lives in a separate table and is fetched lazily.
type Message struct {
	// StableID identifies the message across resyncs. It is the RFC 5322
	// Message-ID when the server provides one, otherwise derived from
	// the mailbox UIDVALIDITY and UID (see DeriveStableID). The server
	// may renumber UIDs; the stable id never changes.
	StableID string

	// UID is the protocol-assigned id within the folder, valid only for
	// the current UIDVALIDITY generation.
	UID uint32

	AccountID string
	Folder    string

	Subject  string
	From     string
	FromName string
	To       []string

	Date  time.Time
	Flags Flags

	// InReplyTo and References carry the reply-chain Message-IDs used
	// by the thread builder.
	InReplyTo  string
	References []string

	HasAttachments bool
	Preview        string
	BodyCached     bool
}

// DeriveStableID returns the cross-session identifier for a message.
// Messages without a Message-ID header fall back to the UIDVALIDITY
// generation plus UID, which is stable until the server invalidates
// the whole folder (at which point a full resync rewrites the rows).
func DeriveStableID(messageID string, uidValidity, uid uint32) string {
	if messageID != "" {
		return messageID
	}
	return fmt.Sprintf("uid:%d:%d", uidValidity, uid)
}

// Body holds the lazily fetched content of a message.
type Body struct {
	Text        string
	HTML        string
	Raw         []byte
	Attachments []Attachment
}

// Attachment is attachment metadata; content is not cached.
type Attachment struct {
	Filename string
	Size     int64
	MIMEType string
}

// Folder is a per-account mailbox folder with its counts. Counts are
// derived from confirmed server state, never from optimistic mutations.
type Folder struct {
	AccountID string
	Name      string
	Unread    int
	Total     int
}

// ComposedMessage is an outbound message handed to the transmission
// client. The core does not manage drafts; composition is upstream.
type ComposedMessage struct {
	From    string
	To      []string
	Cc      []string
	Subject string
	Body    string

	// InReplyTo and References are set when replying so the recipient's
	// client threads the message correctly.
	InReplyTo  string
	References []string
}
