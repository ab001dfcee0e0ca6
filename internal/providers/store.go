// Package providers holds what the Gmail, Graph and IMAP providers share:
// the local store contract and folder helpers.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/model"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

// Store is the local mail store as seen by a provider. Every mutation is
// scoped to the provider's own account.
type Store interface {
	Account(ctx context.Context, id string) (model.Account, error)
	SaveAccountCursor(ctx context.Context, accountID, cursor string) error
	UpdateProfile(ctx context.Context, accountID, displayName, address string) error
	ReplaceAliases(ctx context.Context, accountID string, aliases []model.Alias) error

	Folders(ctx context.Context, accountID string) ([]model.Folder, error)
	Folder(ctx context.Context, folderID string) (model.Folder, error)
	FolderByRemoteID(ctx context.Context, accountID, remoteID string) (model.Folder, error)
	SpecialFolder(ctx context.Context, accountID string, kind model.SpecialFolder) (model.Folder, error)
	UpsertFolder(ctx context.Context, f model.Folder) (model.Folder, error)
	DeleteFolder(ctx context.Context, accountID, folderID string) error
	RenameFolder(ctx context.Context, accountID, folderID, name, remoteID string) error
	SaveFolderDeltaToken(ctx context.Context, folderID, token string) error
	SaveFolderIMAPState(ctx context.Context, folderID string, uidValidity uint32, modSeq uint64) error
	ResetFolder(ctx context.Context, folderID string) error

	InsertCopy(ctx context.Context, c model.MailCopy) (bool, error)
	Copy(ctx context.Context, copyID string) (model.MailCopy, error)
	CopiesByRemoteID(ctx context.Context, accountID, remoteID string) ([]model.MailCopy, error)
	CopyInFolder(ctx context.Context, folderID, remoteID string) (model.MailCopy, error)
	KnownUIDs(ctx context.Context, folderID string) ([]uint32, error)
	RemoteIDsInFolder(ctx context.Context, folderID string) ([]string, error)
	SetReadByRemoteID(ctx context.Context, accountID string, remoteIDs []string, read bool) (int64, error)
	SetFlaggedByRemoteID(ctx context.Context, accountID string, remoteIDs []string, flagged bool) (int64, error)
	SetCopiesRead(ctx context.Context, accountID string, copyIDs []string, read bool) (int64, error)
	SetCopiesFlagged(ctx context.Context, accountID string, copyIDs []string, flagged bool) (int64, error)
	UpdateCopyState(ctx context.Context, copyID string, read, flagged bool) (bool, error)
	DeleteByRemoteID(ctx context.Context, accountID string, remoteIDs []string) (int64, error)
	DeleteCopyInFolder(ctx context.Context, folderID, remoteID string) (bool, error)
	DeleteCopies(ctx context.Context, accountID string, copyIDs []string) (int64, error)
	DeleteCopy(ctx context.Context, accountID, copyID string) error
	MoveCopy(ctx context.Context, accountID, copyID, folderID, remoteID string) error
	DraftByCorrelationID(ctx context.Context, accountID, correlationID string) (model.MailCopy, error)
	AttachRemoteDraft(ctx context.Context, accountID, copyID, folderID, remoteID, remoteDraftID string) error
}

// RequireSpecial loads the folder with the given role or fails with
// ErrMissingSpecialFolder
func RequireSpecial(ctx context.Context, store Store, accountID string, kind model.SpecialFolder) (model.Folder, error) {
	f, err := store.SpecialFolder(ctx, accountID, kind)
	if errors.Is(err, model.ErrNotFound) {
		return model.Folder{}, fmt.Errorf("%w: %s", syncer.ErrMissingSpecialFolder, kind)
	}
	if err != nil {
		return model.Folder{}, fmt.Errorf("load %s folder: %w", kind, err)
	}
	return f, nil
}

// SelectFolders returns the enabled folders a pass covers
func SelectFolders(ctx context.Context, store Store, accountID string, opts syncer.Options) ([]model.Folder, error) {
	all, err := store.Folders(ctx, accountID)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(opts.FolderIDs))
	for _, id := range opts.FolderIDs {
		want[id] = true
	}

	var out []model.Folder
	for _, f := range all {
		if !f.Enabled {
			continue
		}
		switch opts.Type {
		case syncer.TypeInbox:
			if !f.IsSpecial(model.FolderInbox) {
				continue
			}
		case syncer.TypeCustomFolders:
			if !want[f.ID] {
				continue
			}
		case syncer.TypeFoldersOnly:
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// Progress reports done/total as a percentage
func Progress(fn syncer.ProgressFunc, done, total int) {
	if fn == nil || total <= 0 {
		return
	}
	fn(done * 100 / total)
}

// Chunk splits s into slices of at most n elements
func Chunk[T any](s []T, n int) [][]T {
	if n <= 0 {
		n = len(s)
	}
	var out [][]T
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}
