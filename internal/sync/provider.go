package sync

import (
	"context"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/request"
)

// Type selects what a synchronization pass covers
type Type string

const (
	TypeInbox           Type = "inbox"
	TypeFull            Type = "full"
	TypeCustomFolders   Type = "custom_folders"
	TypeFoldersOnly     Type = "folders_only"
	TypeAlias           Type = "alias"
	TypeProfile         Type = "update_profile"
	TypeExecuteRequests Type = "execute_requests"
)

// Options describe one synchronization pass
type Options struct {
	Type      Type     `json:"type"`
	FolderIDs []string `json:"folder_ids,omitempty"`
}

// Status is the outcome of a pass
type Status string

const (
	StatusCompleted Status = "completed"
	StatusEmpty     Status = "empty"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Outcome is the result of one executed request
type Outcome struct {
	Request request.Request
	Err     error
}

// Succeeded reports whether the request was acknowledged by the server
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Result summarizes a synchronization pass. Per-request failures are kept in
// Outcomes and never change Status.
type Result struct {
	Status    Status
	NewUnread []model.MailCopy
	Outcomes  []Outcome
	Err       error
}

// ProgressFunc receives a provider's progress in percent
type ProgressFunc func(percent int)

// Provider is implemented by each remote protocol
type Provider interface {
	// ExecuteRequests sends queued requests to the server
	ExecuteRequests(ctx context.Context, reqs []request.Request) ([]Outcome, error)
	// Synchronize pulls remote changes into the local store
	Synchronize(ctx context.Context, opts Options, progress ProgressFunc) (Result, error)
	SynchronizeProfile(ctx context.Context) error
	SynchronizeAliases(ctx context.Context) error
	Close() error
}

// Watcher is implemented by providers that receive push notifications
type Watcher interface {
	// Watch blocks until ctx is done, calling trigger for every pass the
	// server asks for
	Watch(ctx context.Context, trigger func(Options)) error
}

// State is the lifecycle position of a synchronizer
type State string

const (
	StateIdle              State = "idle"
	StateExecutingRequests State = "executing_requests"
	StateSynchronizing     State = "synchronizing"
)

// Notifier receives observable side effects of a pass
type Notifier interface {
	Progress(accountID string, percent int)
	StateChanged(accountID string, state State)
	UnreadCountsChanged(accountID string)
	NewMail(ctx context.Context, accountID string, items []model.MailCopy)
}

// UIMutator applies and reverts optimistic changes in the UI layer
type UIMutator interface {
	ApplyUIChange(accountID string, req request.Request)
	RevertUIChange(accountID string, req request.Request)
}

// Dispatcher runs fn on the UI thread
type Dispatcher func(fn func())
