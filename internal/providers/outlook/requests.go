package outlook

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

type opKind int

const (
	opSetRead opKind = iota
	opSetFlag
	opMove
	opPermanentDelete
	opCreateDraft
	opSend
	opRenameFolder
)

// op is one Graph call
type op struct {
	kind  opKind
	id    string
	value bool
	// destination is the remote folder of a move, folderID its local twin
	destination string
	folderID    string
	draft       model.Draft
	correlation string
	name        string
}

// reply carries the id Graph assigns on move and draft creation
type reply struct {
	id string
}

// Prepare maps a request to its Graph call
func (a *Adapter) Prepare(ctx context.Context, req request.Request) (op, error) {
	if mr, ok := req.(request.MailRequest); ok && mr.Mail().RemoteID == "" {
		if _, isDraft := req.(request.CreateDraft); !isDraft {
			return op{}, fmt.Errorf("message %s has no server id", mr.Mail().CopyID)
		}
	}

	switch r := req.(type) {
	case request.MarkRead:
		return op{kind: opSetRead, id: r.Item.RemoteID, value: r.Read}, nil

	case request.ChangeFlag:
		return op{kind: opSetFlag, id: r.Item.RemoteID, value: r.Flagged}, nil

	case request.Move:
		if r.To.RemoteID == "" || r.To.ID == r.From.ID {
			return op{}, syncer.ErrInvalidMoveTarget
		}
		return op{kind: opMove, id: r.Item.RemoteID, destination: r.To.RemoteID, folderID: r.To.ID}, nil

	case request.Delete:
		trash, err := providers.RequireSpecial(ctx, a.store, a.account.ID, model.FolderTrash)
		if err != nil {
			return op{}, err
		}
		if r.Item.FolderID == trash.ID {
			return op{kind: opPermanentDelete, id: r.Item.RemoteID}, nil
		}
		return op{kind: opMove, id: r.Item.RemoteID, destination: trash.RemoteID, folderID: trash.ID}, nil

	case request.HardDelete:
		return op{kind: opPermanentDelete, id: r.Item.RemoteID}, nil

	case request.Archive:
		return a.moveToSpecial(ctx, r.Item, model.FolderArchive)

	case request.Unarchive:
		return a.moveToSpecial(ctx, r.Item, model.FolderInbox)

	case request.CreateDraft:
		drafts, err := providers.RequireSpecial(ctx, a.store, a.account.ID, model.FolderDrafts)
		if err != nil {
			return op{}, err
		}
		return op{kind: opCreateDraft, draft: r.Draft, correlation: r.Item.DraftCorrelationID, folderID: drafts.ID}, nil

	case request.SendDraft:
		return op{kind: opSend, id: r.Item.RemoteID}, nil

	case request.RenameFolder:
		if r.Folder.Special != model.FolderOther {
			return op{}, fmt.Errorf("rename well-known folder %s: %w", r.Folder.Name, syncer.ErrUnsupportedOperation)
		}
		return op{kind: opRenameFolder, id: r.Folder.RemoteID, name: r.NewName}, nil
	}

	return op{}, fmt.Errorf("%s: %w", req.Kind(), syncer.ErrUnsupportedOperation)
}

func (a *Adapter) moveToSpecial(ctx context.Context, item model.MailCopy, kind model.SpecialFolder) (op, error) {
	target, err := providers.RequireSpecial(ctx, a.store, a.account.ID, kind)
	if err != nil {
		return op{}, err
	}
	if target.ID == item.FolderID {
		return op{}, syncer.ErrInvalidMoveTarget
	}
	return op{kind: opMove, id: item.RemoteID, destination: target.RemoteID, folderID: target.ID}, nil
}

// Merge gives every request its own call. Sends must not run alongside the
// calls that precede them.
func (a *Adapter) Merge(group []syncer.Prepared[op]) []*syncer.Bundle[op] {
	bundles := make([]*syncer.Bundle[op], 0, len(group))
	for _, item := range group {
		bundles = append(bundles, &syncer.Bundle[op]{
			Requests:   []request.Request{item.Request},
			Native:     item.Native,
			Sequential: item.Native.kind == opSend,
		})
	}
	return bundles
}

// Execute sends each chunk of at most MaxBatchSize bundles as one $batch
// request. A chunk holding a sequential bundle chains its steps so Graph
// runs them one at a time in order. A chunk that fails in transit fails
// only its own bundles.
func (a *Adapter) Execute(ctx context.Context, bundles []*syncer.Bundle[op]) ([]syncer.Reply[reply], error) {
	replies := make([]syncer.Reply[reply], 0, len(bundles))

	for _, chunk := range providers.Chunk(bundles, a.cfg.MaxBatchSize) {
		ops := make([]op, len(chunk))
		chained := false
		for i, b := range chunk {
			ops[i] = b.Native
			chained = chained || b.Sequential
		}

		results, err := a.api.Batch(ctx, ops, chained)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			a.log.Warn().Err(err).Int("requests", len(chunk)).Msg("graph batch failed")
			for range chunk {
				replies = append(replies, syncer.Reply[reply]{Err: err, Received: true})
			}
			continue
		}

		for i := range chunk {
			var res batchResult
			if i < len(results) {
				res = results[i]
			}
			replies = append(replies, syncer.Reply[reply]{
				Value:    reply{id: res.id},
				Err:      classify(res.err),
				Received: res.received,
			})
		}
	}
	return replies, nil
}

// Succeeded applies the acknowledged change locally. Moves store the new id
// Graph assigns to the moved message.
func (a *Adapter) Succeeded(ctx context.Context, b *syncer.Bundle[op], value reply) error {
	id := a.account.ID
	for _, req := range b.Requests {
		var err error
		switch r := req.(type) {
		case request.MarkRead:
			_, err = a.store.SetCopiesRead(ctx, id, []string{r.Item.CopyID}, r.Read)
		case request.ChangeFlag:
			_, err = a.store.SetCopiesFlagged(ctx, id, []string{r.Item.CopyID}, r.Flagged)
		case request.Move, request.Delete, request.Archive, request.Unarchive:
			item := r.(request.MailRequest).Mail()
			if b.Native.kind == opPermanentDelete {
				err = a.store.DeleteCopy(ctx, id, item.CopyID)
			} else {
				err = a.store.MoveCopy(ctx, id, item.CopyID, b.Native.folderID, value.id)
			}
		case request.HardDelete:
			err = a.store.DeleteCopy(ctx, id, r.Item.CopyID)
		case request.CreateDraft:
			err = a.store.AttachRemoteDraft(ctx, id, r.Item.CopyID, b.Native.folderID, value.id, value.id)
		case request.SendDraft:
			err = a.store.DeleteCopy(ctx, id, r.Item.CopyID)
		case request.RenameFolder:
			err = a.store.RenameFolder(ctx, id, r.Folder.ID, r.NewName, "")
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", req.Kind(), req.ID(), err)
		}
	}
	return nil
}

// Failed only logs; nothing was written before the server answered
func (a *Adapter) Failed(_ context.Context, b *syncer.Bundle[op], cause error) error {
	a.log.Debug().Err(cause).Int("requests", len(b.Requests)).Msg("graph request rejected")
	return nil
}
