package request

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/model"
)

// ErrInvalidMoveTarget is returned when a move names a folder that cannot receive mail
var ErrInvalidMoveTarget = errors.New("invalid move target")

// Kind identifies the operation a request performs
type Kind string

const (
	KindMarkRead          Kind = "mark_read"
	KindChangeFlag        Kind = "change_flag"
	KindMove              Kind = "move"
	KindDelete            Kind = "delete"
	KindHardDelete        Kind = "hard_delete"
	KindArchive           Kind = "archive"
	KindUnarchive         Kind = "unarchive"
	KindCreateDraft       Kind = "create_draft"
	KindSendDraft         Kind = "send_draft"
	KindRenameFolder      Kind = "rename_folder"
	KindDiscardLocalDraft Kind = "discard_local_draft"
)

// Request is an immutable record of user intent queued for an account
type Request interface {
	ID() string
	Kind() Kind
	// GroupKey is equal for requests that can share one native call
	GroupKey() string
	// ResyncDelay is how long to wait before the follow-up sync
	ResyncDelay() time.Duration
	// AffectedFolders lists local folder ids touched by the request
	AffectedFolders() []string
}

// MailRequest is a request that targets one local mail copy
type MailRequest interface {
	Request
	Mail() model.MailCopy
}

// Base carries the fields shared by every request
type Base struct {
	RequestID string        `json:"id"`
	Delay     time.Duration `json:"delay,omitempty"`
}

func newBase() Base {
	return Base{RequestID: uuid.NewString()}
}

func (b Base) ID() string                 { return b.RequestID }
func (b Base) ResyncDelay() time.Duration { return b.Delay }

// MarkRead sets or clears the read state of a message
type MarkRead struct {
	Base
	Item model.MailCopy `json:"item"`
	Read bool           `json:"read"`
}

func NewMarkRead(item model.MailCopy, read bool) MarkRead {
	return MarkRead{Base: newBase(), Item: item, Read: read}
}

func (r MarkRead) Kind() Kind               { return KindMarkRead }
func (r MarkRead) Mail() model.MailCopy     { return r.Item }
func (r MarkRead) AffectedFolders() []string { return []string{r.Item.FolderID} }
func (r MarkRead) GroupKey() string {
	return fmt.Sprintf("%s|%s|%t", KindMarkRead, r.Item.FolderID, r.Read)
}

// ChangeFlag sets or clears the flagged state of a message
type ChangeFlag struct {
	Base
	Item    model.MailCopy `json:"item"`
	Flagged bool           `json:"flagged"`
}

func NewChangeFlag(item model.MailCopy, flagged bool) ChangeFlag {
	return ChangeFlag{Base: newBase(), Item: item, Flagged: flagged}
}

func (r ChangeFlag) Kind() Kind               { return KindChangeFlag }
func (r ChangeFlag) Mail() model.MailCopy     { return r.Item }
func (r ChangeFlag) AffectedFolders() []string { return []string{r.Item.FolderID} }
func (r ChangeFlag) GroupKey() string {
	return fmt.Sprintf("%s|%s|%t", KindChangeFlag, r.Item.FolderID, r.Flagged)
}

// Move moves a message between two folders
type Move struct {
	Base
	Item model.MailCopy `json:"item"`
	From model.Folder   `json:"from"`
	To   model.Folder   `json:"to"`
}

func NewMove(item model.MailCopy, from, to model.Folder) Move {
	return Move{Base: newBase(), Item: item, From: from, To: to}
}

func (r Move) Kind() Kind               { return KindMove }
func (r Move) Mail() model.MailCopy     { return r.Item }
func (r Move) AffectedFolders() []string { return []string{r.From.ID, r.To.ID} }
func (r Move) GroupKey() string {
	return fmt.Sprintf("%s|%s|%s", KindMove, r.From.ID, r.To.ID)
}

// Delete moves a message to the trash folder of its account
type Delete struct {
	Base
	Item model.MailCopy `json:"item"`
}

func NewDelete(item model.MailCopy) Delete {
	return Delete{Base: newBase(), Item: item}
}

func (r Delete) Kind() Kind               { return KindDelete }
func (r Delete) Mail() model.MailCopy     { return r.Item }
func (r Delete) AffectedFolders() []string { return []string{r.Item.FolderID} }
func (r Delete) GroupKey() string         { return fmt.Sprintf("%s|%s", KindDelete, r.Item.FolderID) }

// HardDelete permanently removes a message
type HardDelete struct {
	Base
	Item model.MailCopy `json:"item"`
}

func NewHardDelete(item model.MailCopy) HardDelete {
	return HardDelete{Base: newBase(), Item: item}
}

func (r HardDelete) Kind() Kind               { return KindHardDelete }
func (r HardDelete) Mail() model.MailCopy     { return r.Item }
func (r HardDelete) AffectedFolders() []string { return []string{r.Item.FolderID} }
func (r HardDelete) GroupKey() string {
	return fmt.Sprintf("%s|%s", KindHardDelete, r.Item.FolderID)
}

// Archive moves a message out of the inbox into the archive
type Archive struct {
	Base
	Item model.MailCopy `json:"item"`
}

func NewArchive(item model.MailCopy) Archive {
	return Archive{Base: newBase(), Item: item}
}

func (r Archive) Kind() Kind               { return KindArchive }
func (r Archive) Mail() model.MailCopy     { return r.Item }
func (r Archive) AffectedFolders() []string { return []string{r.Item.FolderID} }
func (r Archive) GroupKey() string         { return fmt.Sprintf("%s|%s", KindArchive, r.Item.FolderID) }

// Unarchive returns an archived message to the inbox
type Unarchive struct {
	Base
	Item model.MailCopy `json:"item"`
}

func NewUnarchive(item model.MailCopy) Unarchive {
	return Unarchive{Base: newBase(), Item: item}
}

func (r Unarchive) Kind() Kind               { return KindUnarchive }
func (r Unarchive) Mail() model.MailCopy     { return r.Item }
func (r Unarchive) AffectedFolders() []string { return []string{r.Item.FolderID} }
func (r Unarchive) GroupKey() string {
	return fmt.Sprintf("%s|%s", KindUnarchive, r.Item.FolderID)
}

// CreateDraft uploads a locally composed draft. Item is the local draft row
// carrying the correlation id the server copy will be matched with.
type CreateDraft struct {
	Base
	Item  model.MailCopy `json:"item"`
	Draft model.Draft    `json:"draft"`
}

func NewCreateDraft(item model.MailCopy, draft model.Draft) CreateDraft {
	return CreateDraft{Base: newBase(), Item: item, Draft: draft}
}

func (r CreateDraft) Kind() Kind               { return KindCreateDraft }
func (r CreateDraft) Mail() model.MailCopy     { return r.Item }
func (r CreateDraft) AffectedFolders() []string { return []string{r.Item.FolderID} }
func (r CreateDraft) GroupKey() string {
	return fmt.Sprintf("%s|%s", KindCreateDraft, r.Item.CopyID)
}

// SendDraft sends a draft that already exists on the server
type SendDraft struct {
	Base
	Item model.MailCopy `json:"item"`
}

func NewSendDraft(item model.MailCopy, delay time.Duration) SendDraft {
	b := newBase()
	b.Delay = delay
	return SendDraft{Base: b, Item: item}
}

func (r SendDraft) Kind() Kind               { return KindSendDraft }
func (r SendDraft) Mail() model.MailCopy     { return r.Item }
func (r SendDraft) AffectedFolders() []string { return []string{r.Item.FolderID} }
func (r SendDraft) GroupKey() string {
	return fmt.Sprintf("%s|%s", KindSendDraft, r.Item.CopyID)
}

// RenameFolder renames a folder or label
type RenameFolder struct {
	Base
	Folder  model.Folder `json:"folder"`
	NewName string       `json:"new_name"`
}

func NewRenameFolder(folder model.Folder, newName string) RenameFolder {
	return RenameFolder{Base: newBase(), Folder: folder, NewName: newName}
}

func (r RenameFolder) Kind() Kind               { return KindRenameFolder }
func (r RenameFolder) AffectedFolders() []string { return nil }
func (r RenameFolder) GroupKey() string {
	return fmt.Sprintf("%s|%s", KindRenameFolder, r.Folder.ID)
}

// DiscardLocalDraft drops a draft that never reached the server
type DiscardLocalDraft struct {
	Base
	Item model.MailCopy `json:"item"`
}

func NewDiscardLocalDraft(item model.MailCopy) DiscardLocalDraft {
	return DiscardLocalDraft{Base: newBase(), Item: item}
}

func (r DiscardLocalDraft) Kind() Kind               { return KindDiscardLocalDraft }
func (r DiscardLocalDraft) Mail() model.MailCopy     { return r.Item }
func (r DiscardLocalDraft) AffectedFolders() []string { return nil }
func (r DiscardLocalDraft) GroupKey() string {
	return fmt.Sprintf("%s|%s", KindDiscardLocalDraft, r.Item.CopyID)
}
