package gmail

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/mime"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

// maxBatchIDs is the id limit of batchModify and batchDelete
const maxBatchIDs = 1000

type opKind int

const (
	opModify opKind = iota
	opDelete
	opCreateDraft
	opSendDraft
	opRenameLabel
)

// op is the native form of a Gmail request
type op struct {
	kind   opKind
	ids    []string
	add    []string
	remove []string
	// folderID is the local folder gaining or losing copies (trash for
	// deletes, inbox for archive and unarchive)
	folderID string
	raw      []byte
	draftID  string
	labelID  string
	name     string
}

type reply struct {
	draftID   string
	messageID string
}

// Prepare builds the label change or call for one request
func (p *Provider) Prepare(ctx context.Context, req request.Request) (op, error) {
	if mr, ok := req.(request.MailRequest); ok && mr.Mail().RemoteID == "" {
		if _, isDraft := req.(request.CreateDraft); !isDraft {
			return op{}, fmt.Errorf("message %s has no server id", mr.Mail().CopyID)
		}
	}

	switch r := req.(type) {
	case request.MarkRead:
		o := op{kind: opModify, ids: []string{r.Item.RemoteID}}
		if r.Read {
			o.remove = []string{labelUnread}
		} else {
			o.add = []string{labelUnread}
		}
		return o, nil

	case request.ChangeFlag:
		o := op{kind: opModify, ids: []string{r.Item.RemoteID}}
		if r.Flagged {
			o.add = []string{labelStarred}
		} else {
			o.remove = []string{labelStarred}
		}
		return o, nil

	case request.Move:
		if r.To.RemoteID == "" || r.To.ID == r.From.ID {
			return op{}, syncer.ErrInvalidMoveTarget
		}
		return op{
			kind:     opModify,
			ids:      []string{r.Item.RemoteID},
			add:      []string{r.To.RemoteID},
			remove:   []string{r.From.RemoteID},
			folderID: r.To.ID,
		}, nil

	case request.Delete:
		trash, err := providers.RequireSpecial(ctx, p.store, p.account.ID, model.FolderTrash)
		if err != nil {
			return op{}, err
		}
		from, err := p.store.Folder(ctx, r.Item.FolderID)
		if err != nil {
			return op{}, fmt.Errorf("load folder %s: %w", r.Item.FolderID, err)
		}
		o := op{kind: opModify, ids: []string{r.Item.RemoteID}, add: []string{labelTrash}, folderID: trash.ID}
		if from.RemoteID != labelTrash {
			o.remove = []string{from.RemoteID}
		}
		return o, nil

	case request.HardDelete:
		return op{kind: opDelete, ids: []string{r.Item.RemoteID}}, nil

	case request.Archive:
		inbox, err := providers.RequireSpecial(ctx, p.store, p.account.ID, model.FolderInbox)
		if err != nil {
			return op{}, err
		}
		return op{kind: opModify, ids: []string{r.Item.RemoteID}, remove: []string{labelInbox}, folderID: inbox.ID}, nil

	case request.Unarchive:
		inbox, err := providers.RequireSpecial(ctx, p.store, p.account.ID, model.FolderInbox)
		if err != nil {
			return op{}, err
		}
		return op{kind: opModify, ids: []string{r.Item.RemoteID}, add: []string{labelInbox}, folderID: inbox.ID}, nil

	case request.CreateDraft:
		raw, err := mime.BuildDraft(r.Draft, r.Item.DraftCorrelationID, time.Now())
		if err != nil {
			return op{}, err
		}
		return op{kind: opCreateDraft, raw: raw}, nil

	case request.SendDraft:
		if r.Item.RemoteDraftID == "" {
			return op{}, fmt.Errorf("draft %s has not been uploaded", r.Item.CopyID)
		}
		return op{kind: opSendDraft, draftID: r.Item.RemoteDraftID}, nil

	case request.RenameFolder:
		if r.Folder.Special != model.FolderOther {
			return op{}, fmt.Errorf("rename system label %s: %w", r.Folder.Name, syncer.ErrUnsupportedOperation)
		}
		return op{kind: opRenameLabel, labelID: r.Folder.RemoteID, name: r.NewName}, nil
	}

	return op{}, fmt.Errorf("%s: %w", req.Kind(), syncer.ErrUnsupportedOperation)
}

// Merge folds label changes and deletions of one group into batch calls
func (p *Provider) Merge(group []syncer.Prepared[op]) []*syncer.Bundle[op] {
	first := group[0].Native
	if first.kind != opModify && first.kind != opDelete {
		bundles := make([]*syncer.Bundle[op], 0, len(group))
		for _, item := range group {
			bundles = append(bundles, &syncer.Bundle[op]{
				Requests: []request.Request{item.Request},
				Native:   item.Native,
			})
		}
		return bundles
	}

	var bundles []*syncer.Bundle[op]
	for _, chunk := range providers.Chunk(group, maxBatchIDs) {
		merged := first
		merged.ids = nil
		b := &syncer.Bundle[op]{}
		for _, item := range chunk {
			merged.ids = append(merged.ids, item.Native.ids...)
			b.Requests = append(b.Requests, item.Request)
		}
		b.Native = merged
		bundles = append(bundles, b)
	}
	return bundles
}

// Execute runs the bundles concurrently, one reply each
func (p *Provider) Execute(ctx context.Context, bundles []*syncer.Bundle[op]) ([]syncer.Reply[reply], error) {
	replies := make([]syncer.Reply[reply], len(bundles))

	var g errgroup.Group
	g.SetLimit(p.cfg.DownloadConcurrency)
	for i, b := range bundles {
		g.Go(func() error {
			value, err := p.call(ctx, b.Native)
			replies[i] = syncer.Reply[reply]{Value: value, Err: classify(err), Received: true}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return replies, nil
}

func (p *Provider) call(ctx context.Context, o op) (reply, error) {
	switch o.kind {
	case opModify:
		return reply{}, p.api.BatchModify(ctx, o.ids, o.add, o.remove)
	case opDelete:
		return reply{}, p.api.BatchDelete(ctx, o.ids)
	case opCreateDraft:
		d, err := p.api.CreateDraft(ctx, o.raw)
		if err != nil {
			return reply{}, err
		}
		r := reply{draftID: d.Id}
		if d.Message != nil {
			r.messageID = d.Message.Id
		}
		return r, nil
	case opSendDraft:
		m, err := p.api.SendDraft(ctx, o.draftID)
		if err != nil {
			return reply{}, err
		}
		return reply{messageID: m.Id}, nil
	case opRenameLabel:
		return reply{}, p.api.RenameLabel(ctx, o.labelID, o.name)
	}
	return reply{}, syncer.ErrUnsupportedOperation
}

// Succeeded applies the acknowledged change to the local store
func (p *Provider) Succeeded(ctx context.Context, b *syncer.Bundle[op], value reply) error {
	id := p.account.ID
	for _, req := range b.Requests {
		var err error
		switch r := req.(type) {
		case request.MarkRead:
			_, err = p.store.SetReadByRemoteID(ctx, id, []string{r.Item.RemoteID}, r.Read)
		case request.ChangeFlag:
			_, err = p.store.SetFlaggedByRemoteID(ctx, id, []string{r.Item.RemoteID}, r.Flagged)
		case request.Move:
			err = p.store.MoveCopy(ctx, id, r.Item.CopyID, r.To.ID, "")
		case request.Delete:
			err = p.store.MoveCopy(ctx, id, r.Item.CopyID, b.Native.folderID, "")
		case request.HardDelete:
			_, err = p.store.DeleteByRemoteID(ctx, id, []string{r.Item.RemoteID})
		case request.Archive:
			_, err = p.store.DeleteCopyInFolder(ctx, b.Native.folderID, r.Item.RemoteID)
		case request.Unarchive:
			c := r.Item
			c.CopyID = ""
			c.FolderID = b.Native.folderID
			_, err = p.store.InsertCopy(ctx, c)
		case request.CreateDraft:
			err = p.store.AttachRemoteDraft(ctx, id, r.Item.CopyID, "", value.messageID, value.draftID)
		case request.SendDraft:
			err = p.store.DeleteCopy(ctx, id, r.Item.CopyID)
		case request.RenameFolder:
			err = p.store.RenameFolder(ctx, id, r.Folder.ID, r.NewName, "")
		}
		if err != nil {
			return fmt.Errorf("%s %s: %w", req.Kind(), req.ID(), err)
		}
	}
	return nil
}

// Failed has nothing to compensate: the store only changes after the
// server accepted a call
func (p *Provider) Failed(_ context.Context, b *syncer.Bundle[op], cause error) error {
	p.log.Debug().Err(cause).Int("requests", len(b.Requests)).Msg("gmail request rejected")
	return nil
}
