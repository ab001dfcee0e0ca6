package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/model"
)

// Action is a user-level mail action before business rules are applied
type Action string

const (
	ActionMarkRead   Action = "mark_read"
	ActionMarkUnread Action = "mark_unread"
	ActionToggleRead Action = "toggle_read"
	ActionFlag       Action = "flag"
	ActionUnflag     Action = "unflag"
	ActionToggleFlag Action = "toggle_flag"
	ActionSoftDelete Action = "soft_delete"
	ActionHardDelete Action = "hard_delete"
	ActionMove       Action = "move"
	ActionArchive    Action = "archive"
	ActionUnarchive  Action = "unarchive"
	ActionSendDraft  Action = "send_draft"
)

// Operation is an action applied to a set of mail copies
type Operation struct {
	Action Action           `json:"action"`
	Items  []model.MailCopy `json:"items"`
	// TargetFolderID is the move destination. When empty the Builder asks
	// its FolderPicker.
	TargetFolderID string `json:"target_folder_id,omitempty"`
}

// FolderLookup resolves local folders
type FolderLookup interface {
	Folder(ctx context.Context, folderID string) (model.Folder, error)
}

// FolderPicker asks an external collaborator for a move destination. It may
// block until one is chosen. A nil folder means the move was abandoned.
type FolderPicker func(ctx context.Context, accountID string, items []model.MailCopy) (*model.Folder, error)

// Builder turns operations into queueable requests
type Builder struct {
	Folders   FolderLookup
	Pick      FolderPicker
	SendDelay time.Duration
}

// Build applies the delete escalation and toggle rules and returns the
// resulting requests, one per item
func (b *Builder) Build(ctx context.Context, op Operation) ([]Request, error) {
	if len(op.Items) == 0 {
		return nil, nil
	}

	if op.Action == ActionMove {
		return b.buildMove(ctx, op)
	}

	reqs := make([]Request, 0, len(op.Items))
	for _, item := range op.Items {
		r, err := b.buildOne(ctx, op.Action, item)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

func (b *Builder) buildOne(ctx context.Context, action Action, item model.MailCopy) (Request, error) {
	switch action {
	case ActionMarkRead:
		return NewMarkRead(item, true), nil
	case ActionMarkUnread:
		return NewMarkRead(item, false), nil
	case ActionToggleRead:
		return NewMarkRead(item, !item.IsRead), nil
	case ActionFlag:
		return NewChangeFlag(item, true), nil
	case ActionUnflag:
		return NewChangeFlag(item, false), nil
	case ActionToggleFlag:
		return NewChangeFlag(item, !item.IsFlagged), nil
	case ActionSoftDelete:
		return b.buildDelete(ctx, item, false)
	case ActionHardDelete:
		return b.buildDelete(ctx, item, true)
	case ActionArchive:
		return NewArchive(item), nil
	case ActionUnarchive:
		return NewUnarchive(item), nil
	case ActionSendDraft:
		if !item.IsDraft {
			return nil, fmt.Errorf("copy %s is not a draft", item.CopyID)
		}
		return NewSendDraft(item, b.SendDelay), nil
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

func (b *Builder) buildDelete(ctx context.Context, item model.MailCopy, hard bool) (Request, error) {
	if item.IsLocalDraft {
		return NewDiscardLocalDraft(item), nil
	}
	if item.IsDraft {
		return NewHardDelete(item), nil
	}
	if !hard {
		folder, err := b.Folders.Folder(ctx, item.FolderID)
		if err != nil {
			return nil, fmt.Errorf("lookup folder %s: %w", item.FolderID, err)
		}
		if folder.IsSpecial(model.FolderTrash) {
			hard = true
		}
	}
	if hard {
		return NewHardDelete(item), nil
	}
	return NewDelete(item), nil
}

func (b *Builder) buildMove(ctx context.Context, op Operation) ([]Request, error) {
	accountID := op.Items[0].AccountID

	var target model.Folder
	if op.TargetFolderID == "" {
		if b.Pick == nil {
			return nil, nil
		}
		picked, err := b.Pick(ctx, accountID, op.Items)
		if err != nil {
			return nil, fmt.Errorf("pick folder: %w", err)
		}
		if picked == nil {
			return nil, nil
		}
		target = *picked
	} else {
		f, err := b.Folders.Folder(ctx, op.TargetFolderID)
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown folder %s", ErrInvalidMoveTarget, op.TargetFolderID)
		}
		if err != nil {
			return nil, fmt.Errorf("lookup folder %s: %w", op.TargetFolderID, err)
		}
		target = f
	}

	if err := ValidateMoveTarget(target, accountID); err != nil {
		return nil, err
	}

	reqs := make([]Request, 0, len(op.Items))
	for _, item := range op.Items {
		if item.FolderID == target.ID {
			return nil, fmt.Errorf("%w: copy %s is already in %s", ErrInvalidMoveTarget, item.CopyID, target.Name)
		}
		from, err := b.Folders.Folder(ctx, item.FolderID)
		if err != nil {
			return nil, fmt.Errorf("lookup folder %s: %w", item.FolderID, err)
		}
		reqs = append(reqs, NewMove(item, from, target))
	}
	return reqs, nil
}

// ValidateMoveTarget rejects folders of another account and folders that only
// the client itself writes to
func ValidateMoveTarget(target model.Folder, accountID string) error {
	if target.AccountID != accountID {
		return fmt.Errorf("%w: folder %s belongs to another account", ErrInvalidMoveTarget, target.ID)
	}
	if target.IsSpecial(model.FolderDrafts) || target.IsSpecial(model.FolderOutbox) {
		return fmt.Errorf("%w: cannot move into %s", ErrInvalidMoveTarget, target.Special)
	}
	return nil
}
