package imap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/mime"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

type opKind int

const (
	opStore opKind = iota
	opMove
	opExpunge
	opAppend
	opRename
)

// op is one UID command against a mailbox
type op struct {
	kind    opKind
	mailbox string
	uids    []uint32
	flag    string
	add     bool
	dest    string
	raw     []byte
	newName string
}

// key identifies ops that can share one command
func (o op) key() string {
	return fmt.Sprintf("%d|%s|%s|%t|%s", o.kind, o.mailbox, o.flag, o.add, o.dest)
}

// Prepare maps a request to a UID command on the mailbox holding the message
func (p *Provider) Prepare(ctx context.Context, req request.Request) (op, error) {
	switch r := req.(type) {
	case request.CreateDraft:
		drafts, err := providers.RequireSpecial(ctx, p.store, p.account.ID, model.FolderDrafts)
		if err != nil {
			return op{}, err
		}
		raw, err := mime.BuildDraft(r.Draft, r.Item.DraftCorrelationID, time.Now())
		if err != nil {
			return op{}, err
		}
		return op{kind: opAppend, mailbox: drafts.RemoteID, raw: raw}, nil

	case request.SendDraft:
		return op{}, fmt.Errorf("imap has no submission: %w", syncer.ErrUnsupportedOperation)

	case request.RenameFolder:
		if r.Folder.Special != model.FolderOther {
			return op{}, fmt.Errorf("rename well-known folder %s: %w", r.Folder.Name, syncer.ErrUnsupportedOperation)
		}
		return op{kind: opRename, mailbox: r.Folder.RemoteID, newName: renamedPath(r.Folder, r.NewName)}, nil
	}

	mr, ok := req.(request.MailRequest)
	if !ok {
		return op{}, fmt.Errorf("%s: %w", req.Kind(), syncer.ErrUnsupportedOperation)
	}
	item := mr.Mail()
	uid, err := parseUID(item.RemoteID)
	if err != nil {
		return op{}, err
	}
	source, err := p.store.Folder(ctx, item.FolderID)
	if err != nil {
		return op{}, fmt.Errorf("load folder of %s: %w", item.CopyID, err)
	}
	base := op{mailbox: source.RemoteID, uids: []uint32{uid}}

	switch r := req.(type) {
	case request.MarkRead:
		base.kind, base.flag, base.add = opStore, imap.SeenFlag, r.Read
		return base, nil

	case request.ChangeFlag:
		base.kind, base.flag, base.add = opStore, imap.FlaggedFlag, r.Flagged
		return base, nil

	case request.Move:
		if r.To.RemoteID == "" || r.To.ID == r.From.ID {
			return op{}, syncer.ErrInvalidMoveTarget
		}
		base.kind, base.dest = opMove, r.To.RemoteID
		return base, nil

	case request.Delete:
		trash, err := providers.RequireSpecial(ctx, p.store, p.account.ID, model.FolderTrash)
		if err != nil {
			return op{}, err
		}
		if source.ID == trash.ID {
			base.kind = opExpunge
			return base, nil
		}
		base.kind, base.dest = opMove, trash.RemoteID
		return base, nil

	case request.HardDelete:
		base.kind = opExpunge
		return base, nil

	case request.Archive:
		return p.moveToSpecial(ctx, base, source, model.FolderArchive)

	case request.Unarchive:
		return p.moveToSpecial(ctx, base, source, model.FolderInbox)
	}

	return op{}, fmt.Errorf("%s: %w", req.Kind(), syncer.ErrUnsupportedOperation)
}

func (p *Provider) moveToSpecial(ctx context.Context, base op, source model.Folder, kind model.SpecialFolder) (op, error) {
	target, err := providers.RequireSpecial(ctx, p.store, p.account.ID, kind)
	if err != nil {
		return op{}, err
	}
	if target.ID == source.ID {
		return op{}, syncer.ErrInvalidMoveTarget
	}
	base.kind, base.dest = opMove, target.RemoteID
	return base, nil
}

// renamedPath keeps the folder under its parent
func renamedPath(f model.Folder, name string) string {
	if f.ParentRemoteID == "" {
		return name
	}
	delimiter := strings.TrimSuffix(strings.TrimPrefix(f.RemoteID, f.ParentRemoteID), f.Name)
	if delimiter == "" {
		delimiter = "/"
	}
	return f.ParentRemoteID + delimiter + name
}

// Merge folds requests sharing mailbox, command and argument into one UID
// set. Appends and renames stay separate.
func (p *Provider) Merge(group []syncer.Prepared[op]) []*syncer.Bundle[op] {
	var bundles []*syncer.Bundle[op]
	index := make(map[string]*syncer.Bundle[op])

	for _, item := range group {
		o := item.Native
		if o.kind == opAppend || o.kind == opRename {
			bundles = append(bundles, &syncer.Bundle[op]{Requests: []request.Request{item.Request}, Native: o})
			continue
		}
		if b, ok := index[o.key()]; ok {
			b.Requests = append(b.Requests, item.Request)
			b.Native.uids = append(b.Native.uids, o.uids...)
			continue
		}
		b := &syncer.Bundle[op]{Requests: []request.Request{item.Request}, Native: o}
		index[o.key()] = b
		bundles = append(bundles, b)
	}
	return bundles
}

// Execute runs each bundle on its own pooled session
func (p *Provider) Execute(ctx context.Context, bundles []*syncer.Bundle[op]) ([]syncer.Reply[struct{}], error) {
	replies := make([]syncer.Reply[struct{}], len(bundles))

	var g errgroup.Group
	g.SetLimit(p.cfg.PoolSize)
	for i, b := range bundles {
		g.Go(func() error {
			err := p.withSession(ctx, func(s session) error {
				return p.call(s, b.Native)
			})
			replies[i] = syncer.Reply[struct{}]{Err: err, Received: true}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return replies, nil
}

func (p *Provider) call(s session, o op) error {
	switch o.kind {
	case opAppend:
		return s.Append(o.mailbox, []string{imap.DraftFlag, imap.SeenFlag}, time.Now(), o.raw)
	case opRename:
		return s.Rename(o.mailbox, o.newName)
	}

	if _, err := s.Select(o.mailbox); err != nil {
		return fmt.Errorf("select %s: %w", o.mailbox, err)
	}
	switch o.kind {
	case opStore:
		return s.StoreFlags(o.uids, o.flag, o.add)
	case opMove:
		return s.Move(o.uids, o.dest)
	case opExpunge:
		return s.Expunge(o.uids)
	}
	return syncer.ErrUnsupportedOperation
}

// Succeeded applies the acknowledged change locally. Moved messages get a
// new UID in the target mailbox, so the local copy is dropped and the target
// folder downloads it again on its next pass.
func (p *Provider) Succeeded(ctx context.Context, b *syncer.Bundle[op], _ struct{}) error {
	id := p.account.ID

	if b.Native.kind == opRename {
		r := b.Requests[0].(request.RenameFolder)
		return p.store.RenameFolder(ctx, id, r.Folder.ID, r.NewName, b.Native.newName)
	}
	if b.Native.kind == opAppend {
		// the local draft stays until the drafts folder is synchronized
		return nil
	}

	copyIDs := make([]string, 0, len(b.Requests))
	for _, r := range b.Requests {
		copyIDs = append(copyIDs, r.(request.MailRequest).Mail().CopyID)
	}

	var err error
	switch {
	case b.Native.kind == opStore && b.Native.flag == imap.SeenFlag:
		_, err = p.store.SetCopiesRead(ctx, id, copyIDs, b.Native.add)
	case b.Native.kind == opStore:
		_, err = p.store.SetCopiesFlagged(ctx, id, copyIDs, b.Native.add)
	default:
		_, err = p.store.DeleteCopies(ctx, id, copyIDs)
	}
	if err != nil {
		return fmt.Errorf("apply %d requests: %w", len(b.Requests), err)
	}
	return nil
}

// Failed only logs; nothing was written before the server answered
func (p *Provider) Failed(_ context.Context, b *syncer.Bundle[op], cause error) error {
	p.log.Debug().Err(cause).Str("mailbox", b.Native.mailbox).Int("requests", len(b.Requests)).Msg("imap command rejected")
	return nil
}
