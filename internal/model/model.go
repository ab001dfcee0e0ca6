package model

import (
	"errors"
	"time"
)

// ErrNotFound is returned by the local store when a row does not exist
var ErrNotFound = errors.New("not found")

// ProviderKind identifies the remote protocol family of an account
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "GMAIL"
	ProviderOutlook ProviderKind = "OUTLOOK"
	ProviderIMAP    ProviderKind = "IMAP"
)

// SpecialFolder marks the well-known role of a folder
type SpecialFolder string

const (
	FolderOther   SpecialFolder = ""
	FolderInbox   SpecialFolder = "inbox"
	FolderSent    SpecialFolder = "sent"
	FolderDrafts  SpecialFolder = "drafts"
	FolderTrash   SpecialFolder = "trash"
	FolderJunk    SpecialFolder = "junk"
	FolderArchive SpecialFolder = "archive"
	FolderOutbox  SpecialFolder = "outbox"
	FolderStarred SpecialFolder = "starred"
)

// Security is the transport security used for an IMAP server
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

// ServerInfo holds the connection settings of an IMAP server
type ServerInfo struct {
	Host     string   `db:"imap_host" json:"host"`
	Port     int      `db:"imap_port" json:"port"`
	Security Security `db:"imap_security" json:"security"`
	Username string   `db:"imap_username" json:"username"`
	OAuth    bool     `db:"imap_oauth" json:"oauth"`
	Password string   `db:"-" json:"password,omitempty"`
}

// Account is a configured mailbox
type Account struct {
	ID          string       `db:"id" json:"id"`
	Address     string       `db:"address" json:"address"`
	DisplayName string       `db:"display_name" json:"display_name"`
	Provider    ProviderKind `db:"provider" json:"provider"`
	// SyncCursor is the account-level delta cursor: the Gmail history id or
	// the Graph folder delta link. Unused for IMAP.
	SyncCursor string `db:"sync_cursor" json:"-"`
	Status     string `db:"status" json:"status"`
	LastError  string `db:"last_error" json:"last_error,omitempty"`
	ServerInfo
}

// Folder is a local folder (or Gmail label) of an account
type Folder struct {
	ID             string        `db:"id" json:"id"`
	AccountID      string        `db:"account_id" json:"account_id"`
	RemoteID       string        `db:"remote_id" json:"remote_id"`
	ParentRemoteID string        `db:"parent_remote_id" json:"parent_remote_id,omitempty"`
	Name           string        `db:"name" json:"name"`
	Special        SpecialFolder `db:"special_kind" json:"special_kind,omitempty"`
	DeltaToken     string        `db:"delta_token" json:"-"`
	UIDValidity    uint32        `db:"uid_validity" json:"-"`
	HighestModSeq  uint64        `db:"highest_modseq" json:"-"`
	Enabled        bool          `db:"enabled" json:"enabled"`
}

// IsSpecial reports whether the folder has the given role
func (f Folder) IsSpecial(kind SpecialFolder) bool {
	return f.Special != FolderOther && f.Special == kind
}

// MailCopy is the local record of one message in one folder. The same remote
// message may have several copies, one per folder or label.
type MailCopy struct {
	CopyID             string `db:"copy_id" json:"copy_id"`
	AccountID          string `db:"account_id" json:"account_id"`
	FolderID           string `db:"folder_id" json:"folder_id"`
	RemoteID           string `db:"remote_id" json:"remote_id"`
	RemoteDraftID      string `db:"remote_draft_id" json:"remote_draft_id,omitempty"`
	ThreadID           string `db:"thread_id" json:"thread_id,omitempty"`
	MessageID          string `db:"message_id_header" json:"message_id,omitempty"`
	InReplyTo          string `db:"in_reply_to" json:"in_reply_to,omitempty"`
	References         string `db:"references_header" json:"references,omitempty"`
	Subject            string `db:"subject" json:"subject"`
	Sender             string `db:"sender" json:"sender"`
	Snippet            string `db:"snippet" json:"snippet,omitempty"`
	IsRead             bool   `db:"is_read" json:"is_read"`
	IsFlagged          bool   `db:"is_flagged" json:"is_flagged"`
	IsDraft            bool   `db:"is_draft" json:"is_draft"`
	IsLocalDraft       bool   `db:"is_local_draft" json:"is_local_draft"`
	DraftCorrelationID string `db:"draft_correlation_id" json:"draft_correlation_id,omitempty"`
	ReceivedAt         int64  `db:"received_at" json:"received_at"`
}

// Received returns the receive time of the copy
func (m MailCopy) Received() time.Time {
	return time.Unix(m.ReceivedAt, 0)
}

// Alias is a send-as address of an account
type Alias struct {
	AccountID string `db:"account_id" json:"account_id"`
	Address   string `db:"address" json:"address"`
	Name      string `db:"name" json:"name"`
	IsPrimary bool   `db:"is_primary" json:"is_primary"`
}

// Draft describes a message composed locally
type Draft struct {
	From       string   `json:"from"`
	To         []string `json:"to"`
	Cc         []string `json:"cc,omitempty"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}
