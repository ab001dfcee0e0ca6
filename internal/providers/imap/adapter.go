// Package imap synchronizes generic IMAP servers. Every folder carries its
// own UIDVALIDITY and, on CONDSTORE servers, its highest mod-sequence.
package imap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/mime"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

// specialUse maps RFC 6154 attributes to folder roles
var specialUse = map[string]model.SpecialFolder{
	imap.SentAttr:    model.FolderSent,
	imap.DraftsAttr:  model.FolderDrafts,
	imap.TrashAttr:   model.FolderTrash,
	imap.JunkAttr:    model.FolderJunk,
	imap.ArchiveAttr: model.FolderArchive,
}

// wellKnownNames is the fallback for servers without SPECIAL-USE
var wellKnownNames = map[string]model.SpecialFolder{
	"sent":          model.FolderSent,
	"sent items":    model.FolderSent,
	"sent messages": model.FolderSent,
	"drafts":        model.FolderDrafts,
	"trash":         model.FolderTrash,
	"deleted items": model.FolderTrash,
	"junk":          model.FolderJunk,
	"spam":          model.FolderJunk,
	"archive":       model.FolderArchive,
}

// Config tunes the IMAP provider
type Config struct {
	PoolSize       int
	FetchBatchSize int
	IdleTimeout    time.Duration
	DialTimeout    time.Duration
	Engine         syncer.EngineConfig
}

// Provider synchronizes an IMAP account over a bounded connection pool
type Provider struct {
	account  model.Account
	pool     *Pool
	dialIdle func(ctx context.Context) (idler, error)
	store    providers.Store
	cfg      Config
	log      zerolog.Logger
	engine   *syncer.Engine[op, struct{}]
}

// New creates an IMAP provider for account
func New(account model.Account, creds Credentials, store providers.Store, cfg Config) *Provider {
	cfg = withDefaults(cfg)
	server := account.ServerInfo

	dialSession := func(ctx context.Context) (session, error) {
		c, err := dial(ctx, server, creds, cfg.DialTimeout)
		if err != nil {
			return nil, err
		}
		s, err := newClientSession(c)
		if err != nil {
			c.Logout()
			return nil, err
		}
		return s, nil
	}
	dialIdle := func(ctx context.Context) (idler, error) {
		c, err := dial(ctx, server, creds, cfg.DialTimeout)
		if err != nil {
			return nil, err
		}
		return newClientIdler(c, cfg.IdleTimeout), nil
	}

	log := cfg.Engine.Logger.With().Str("provider", "imap").Str("account_id", account.ID).Logger()
	return newProvider(account, NewPool(cfg.PoolSize, dialSession, log), dialIdle, store, cfg)
}

func withDefaults(cfg Config) Config {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.FetchBatchSize <= 0 {
		cfg.FetchBatchSize = 50
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 25 * time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return cfg
}

func newProvider(account model.Account, pool *Pool, dialIdle func(ctx context.Context) (idler, error), store providers.Store, cfg Config) *Provider {
	cfg = withDefaults(cfg)
	p := &Provider{
		account:  account,
		pool:     pool,
		dialIdle: dialIdle,
		store:    store,
		cfg:      cfg,
		log:      cfg.Engine.Logger.With().Str("provider", "imap").Str("account_id", account.ID).Logger(),
	}
	p.engine = syncer.NewEngine[op, struct{}](account.ID, p, cfg.Engine)
	return p
}

// ExecuteRequests sends queued requests as merged UID commands
func (p *Provider) ExecuteRequests(ctx context.Context, reqs []request.Request) ([]syncer.Outcome, error) {
	return p.engine.Run(ctx, reqs)
}

// withSession runs fn on a pooled session
func (p *Provider) withSession(ctx context.Context, fn func(s session) error) error {
	s, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(s)
	p.pool.Release(s, err)
	return err
}

// Synchronize refreshes the folder list and then each selected folder
func (p *Provider) Synchronize(ctx context.Context, opts syncer.Options, progress syncer.ProgressFunc) (syncer.Result, error) {
	var res syncer.Result
	err := p.withSession(ctx, func(s session) error {
		if err := p.syncFolders(ctx, s); err != nil {
			return fmt.Errorf("sync folders: %w", err)
		}
		if opts.Type == syncer.TypeFoldersOnly {
			res.Status = syncer.StatusCompleted
			return nil
		}

		folders, err := providers.SelectFolders(ctx, p.store, p.account.ID, opts)
		if err != nil {
			return err
		}

		changes := 0
		for i, f := range folders {
			if err := ctx.Err(); err != nil {
				return err
			}
			unread, n, err := p.syncFolder(ctx, s, f)
			if err != nil {
				return fmt.Errorf("sync folder %s: %w", f.RemoteID, err)
			}
			res.NewUnread = append(res.NewUnread, unread...)
			changes += n
			providers.Progress(progress, i+1, len(folders))
		}

		res.Status = syncer.StatusCompleted
		if changes == 0 {
			res.Status = syncer.StatusEmpty
		}
		return nil
	})
	if err != nil {
		return syncer.Result{}, err
	}
	return res, nil
}

// syncFolders mirrors LIST into folders. Mailboxes are identified by their
// full name, the parent being the name up to the last delimiter.
func (p *Provider) syncFolders(ctx context.Context, s session) error {
	boxes, err := s.List()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(boxes))
	for _, mb := range boxes {
		if mb.has(imap.NoSelectAttr) || mb.has("\\NonExistent") {
			continue
		}

		name, parent := mb.name, ""
		if mb.delimiter != "" {
			if i := strings.LastIndex(mb.name, mb.delimiter); i > 0 {
				name, parent = mb.name[i+len(mb.delimiter):], mb.name[:i]
			}
		}

		f := model.Folder{
			AccountID:      p.account.ID,
			RemoteID:       mb.name,
			ParentRemoteID: parent,
			Name:           name,
			Special:        folderRole(mb, parent),
			Enabled:        true,
		}
		if _, err := p.store.UpsertFolder(ctx, f); err != nil {
			return err
		}
		seen[mb.name] = true
	}

	existing, err := p.store.Folders(ctx, p.account.ID)
	if err != nil {
		return err
	}
	for _, f := range existing {
		if !seen[f.RemoteID] {
			if err := p.store.DeleteFolder(ctx, p.account.ID, f.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func folderRole(mb mailbox, parent string) model.SpecialFolder {
	if strings.EqualFold(mb.name, imap.InboxName) {
		return model.FolderInbox
	}
	for _, attr := range mb.attributes {
		if kind, ok := specialUse[attr]; ok {
			return kind
		}
	}
	if parent == "" || strings.EqualFold(parent, imap.InboxName) {
		name := mb.name
		if parent != "" {
			name = name[len(parent)+len(mb.delimiter):]
		}
		return wellKnownNames[strings.ToLower(name)]
	}
	return model.FolderOther
}

// syncFolder reconciles one folder. A changed UIDVALIDITY discards every
// cached UID of the folder first. New UIDs are downloaded, vanished ones
// deleted, and flags refreshed through CHANGEDSINCE when the server has
// CONDSTORE, or by refetching the flags of every known UID otherwise.
func (p *Provider) syncFolder(ctx context.Context, s session, f model.Folder) ([]model.MailCopy, int, error) {
	log := p.log.With().Str("folder", f.RemoteID).Logger()

	status, err := s.Status(f.RemoteID)
	if err != nil {
		return nil, 0, fmt.Errorf("status: %w", err)
	}
	selected, err := s.Select(f.RemoteID)
	if err != nil {
		return nil, 0, fmt.Errorf("select: %w", err)
	}

	modSeq := f.HighestModSeq
	if f.UIDValidity != 0 && f.UIDValidity != selected.uidValidity {
		log.Warn().
			Uint32("stored", f.UIDValidity).
			Uint32("server", selected.uidValidity).
			Msg("uidvalidity changed, discarding cached uids")
		if err := p.store.ResetFolder(ctx, f.ID); err != nil {
			return nil, 0, err
		}
		modSeq = 0
	}

	remote, err := s.SearchUIDs()
	if err != nil {
		return nil, 0, fmt.Errorf("search: %w", err)
	}
	known, err := p.store.KnownUIDs(ctx, f.ID)
	if err != nil {
		return nil, 0, err
	}

	onServer := make(map[uint32]bool, len(remote))
	for _, uid := range remote {
		onServer[uid] = true
	}
	isKnown := make(map[uint32]bool, len(known))
	var kept []uint32
	changes := 0
	for _, uid := range known {
		isKnown[uid] = true
		if onServer[uid] {
			kept = append(kept, uid)
			continue
		}
		if _, err := p.store.DeleteCopyInFolder(ctx, f.ID, formatUID(uid)); err != nil {
			return nil, 0, err
		}
		changes++
	}

	var added []uint32
	for _, uid := range remote {
		if !isKnown[uid] {
			added = append(added, uid)
		}
	}
	slices.Sort(added)

	var newUnread []model.MailCopy
	for _, batch := range providers.Chunk(added, p.cfg.FetchBatchSize) {
		msgs, err := s.FetchHeaders(batch)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch headers: %w", err)
		}
		for _, m := range msgs {
			c, err := p.storeMessage(ctx, f, m)
			if err != nil {
				return nil, 0, err
			}
			if c != nil && !c.IsRead && f.IsSpecial(model.FolderInbox) {
				newUnread = append(newUnread, *c)
			}
			changes++
		}
	}

	updated, err := p.refreshFlags(ctx, s, f, kept, modSeq)
	if err != nil {
		return nil, 0, err
	}
	changes += updated

	if err := p.store.SaveFolderIMAPState(ctx, f.ID, selected.uidValidity, status.highestModSeq); err != nil {
		return nil, 0, err
	}
	return newUnread, changes, nil
}

func (p *Provider) refreshFlags(ctx context.Context, s session, f model.Folder, kept []uint32, modSeq uint64) (int, error) {
	if len(kept) == 0 {
		return 0, nil
	}

	var msgs []fetched
	if s.Supports(capCondstore) && modSeq > 0 {
		changed, err := s.FetchChangedSince(modSeq)
		if err != nil {
			return 0, fmt.Errorf("fetch changed since %d: %w", modSeq, err)
		}
		msgs = changed
	} else {
		for _, batch := range providers.Chunk(kept, p.cfg.FetchBatchSize*10) {
			got, err := s.FetchFlags(batch)
			if err != nil {
				return 0, fmt.Errorf("fetch flags: %w", err)
			}
			msgs = append(msgs, got...)
		}
	}

	keep := make(map[uint32]bool, len(kept))
	for _, uid := range kept {
		keep[uid] = true
	}

	updated := 0
	for _, m := range msgs {
		if !keep[m.uid] {
			continue
		}
		c, err := p.store.CopyInFolder(ctx, f.ID, formatUID(m.uid))
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		changed, err := p.store.UpdateCopyState(ctx, c.CopyID, m.hasFlag(imap.SeenFlag), m.hasFlag(imap.FlaggedFlag))
		if err != nil {
			return 0, err
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

// storeMessage inserts a fetched message. A server draft carrying the
// correlation id of a local draft is attached to it instead.
func (p *Provider) storeMessage(ctx context.Context, f model.Folder, m fetched) (*model.MailCopy, error) {
	c := model.MailCopy{
		AccountID: p.account.ID,
		FolderID:  f.ID,
		RemoteID:  formatUID(m.uid),
		IsRead:    m.hasFlag(imap.SeenFlag),
		IsFlagged: m.hasFlag(imap.FlaggedFlag),
		IsDraft:   m.hasFlag(imap.DraftFlag),
	}
	if !m.internal.IsZero() {
		c.ReceivedAt = m.internal.Unix()
	}
	if len(m.header) > 0 {
		hdr, err := mime.ParseHeaders(bytes.NewReader(m.header))
		if err != nil {
			p.log.Debug().Err(err).Uint32("uid", m.uid).Msg("parse headers")
		} else {
			hdr.Apply(&c)
		}
	}
	c.ThreadID = c.MessageID

	if c.DraftCorrelationID != "" {
		local, err := p.store.DraftByCorrelationID(ctx, p.account.ID, c.DraftCorrelationID)
		if err == nil && local.RemoteID == "" {
			return nil, p.store.AttachRemoteDraft(ctx, p.account.ID, local.CopyID, f.ID, c.RemoteID, "")
		}
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}

	inserted, err := p.store.InsertCopy(ctx, c)
	if err != nil || !inserted {
		return nil, err
	}
	return &c, nil
}

// SynchronizeProfile is a no-op: IMAP has no profile data
func (p *Provider) SynchronizeProfile(ctx context.Context) error {
	return nil
}

// SynchronizeAliases stores the login address as the only alias
func (p *Provider) SynchronizeAliases(ctx context.Context) error {
	return p.store.ReplaceAliases(ctx, p.account.ID, []model.Alias{{
		Address:   p.account.Address,
		Name:      p.account.DisplayName,
		IsPrimary: true,
	}})
}

// Close logs out every pooled connection
func (p *Provider) Close() error {
	return p.pool.Close()
}

func formatUID(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}

func parseUID(remoteID string) (uint32, error) {
	n, err := strconv.ParseUint(remoteID, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid uid %q", remoteID)
	}
	return uint32(n), nil
}
