package outlook

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mime"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

// Config tunes the Graph provider
type Config struct {
	// MaxBatchSize caps the calls sent together. Graph accepts at most 20
	// requests per JSON batch.
	MaxBatchSize int
	Engine       syncer.EngineConfig
}

// Adapter synchronizes an Exchange or Outlook.com account through Graph
// delta queries
type Adapter struct {
	account model.Account
	api     graphAPI
	store   providers.Store
	cfg     Config
	log     zerolog.Logger
	engine  *syncer.Engine[op, reply]
}

// New creates a Graph adapter authenticated by ts
func New(ctx context.Context, account model.Account, ts oauth2.TokenSource, store providers.Store, cfg Config) (*Adapter, error) {
	api, err := newSDKAPI(ts, account.Address)
	if err != nil {
		return nil, err
	}
	return newAdapter(account, api, store, cfg), nil
}

func newAdapter(account model.Account, api graphAPI, store providers.Store, cfg Config) *Adapter {
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > 20 {
		cfg.MaxBatchSize = 20
	}
	a := &Adapter{
		account: account,
		api:     api,
		store:   store,
		cfg:     cfg,
		log:     cfg.Engine.Logger.With().Str("provider", "outlook").Str("account_id", account.ID).Logger(),
	}
	a.engine = syncer.NewEngine[op, reply](account.ID, a, cfg.Engine)
	return a
}

// ExecuteRequests sends queued requests in bounded batches
func (a *Adapter) ExecuteRequests(ctx context.Context, reqs []request.Request) ([]syncer.Outcome, error) {
	return a.engine.Run(ctx, reqs)
}

// deltaOutcome tags the result of one delta attempt
type deltaOutcome int

const (
	deltaContinue deltaOutcome = iota
	deltaNeedsCursorReset
	deltaFailed
)

// Synchronize refreshes the folder tree, then runs a message delta for
// every folder the pass covers
func (a *Adapter) Synchronize(ctx context.Context, opts syncer.Options, progress syncer.ProgressFunc) (syncer.Result, error) {
	folderChanges, err := a.syncFolders(ctx)
	if err != nil {
		return syncer.Result{}, fmt.Errorf("sync folders: %w", err)
	}
	if opts.Type == syncer.TypeFoldersOnly {
		return syncer.Result{Status: syncer.StatusCompleted}, nil
	}

	folders, err := providers.SelectFolders(ctx, a.store, a.account.ID, opts)
	if err != nil {
		return syncer.Result{}, err
	}

	var (
		newUnread []model.MailCopy
		changes   = folderChanges
	)
	for i, f := range folders {
		unread, n, err := a.syncFolderMessages(ctx, f)
		if err != nil {
			return syncer.Result{}, fmt.Errorf("sync folder %s: %w", f.Name, err)
		}
		newUnread = append(newUnread, unread...)
		changes += n
		providers.Progress(progress, i+1, len(folders))
	}

	status := syncer.StatusCompleted
	if changes == 0 {
		status = syncer.StatusEmpty
	}
	return syncer.Result{Status: status, NewUnread: newUnread}, nil
}

// syncFolders applies the folder delta. An expired folder cursor is reset
// and the listing restarted once.
func (a *Adapter) syncFolders(ctx context.Context) (int, error) {
	account, err := a.store.Account(ctx, a.account.ID)
	if err != nil {
		return 0, fmt.Errorf("load account: %w", err)
	}
	cursor := account.SyncCursor

	for attempt := 0; attempt < 2; attempt++ {
		n, outcome, err := a.folderDelta(ctx, cursor)
		switch outcome {
		case deltaContinue:
			return n, nil
		case deltaNeedsCursorReset:
			a.log.Warn().Err(err).Msg("folder delta expired, relisting folders")
			if err := a.store.SaveAccountCursor(ctx, a.account.ID, ""); err != nil {
				return 0, err
			}
			cursor = ""
		default:
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w: folder delta expired twice", syncer.ErrCursorInvalidated)
}

func (a *Adapter) folderDelta(ctx context.Context, cursor string) (int, deltaOutcome, error) {
	var roles map[string]model.SpecialFolder
	if cursor == "" {
		var err error
		if roles, err = a.wellKnownFolders(ctx); err != nil {
			return 0, deltaFailed, err
		}
	}

	var items []remoteFolder
	link := cursor
	for {
		page, err := a.api.FolderDelta(ctx, link)
		if isGone(err) && cursor != "" {
			return 0, deltaNeedsCursorReset, err
		}
		if err != nil {
			return 0, deltaFailed, err
		}
		items = append(items, page.items...)
		if page.nextLink == "" {
			link = page.deltaLink
			break
		}
		link = page.nextLink
	}

	for _, rf := range items {
		if rf.removed {
			f, err := a.store.FolderByRemoteID(ctx, a.account.ID, rf.id)
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			if err != nil {
				return 0, deltaFailed, err
			}
			if err := a.store.DeleteFolder(ctx, a.account.ID, f.ID); err != nil {
				return 0, deltaFailed, err
			}
			continue
		}

		f := model.Folder{
			AccountID:      a.account.ID,
			RemoteID:       rf.id,
			ParentRemoteID: rf.parentID,
			Name:           rf.name,
			Enabled:        true,
		}
		if existing, err := a.store.FolderByRemoteID(ctx, a.account.ID, rf.id); err == nil {
			f.Special = existing.Special
			f.Enabled = existing.Enabled
		} else if !errors.Is(err, model.ErrNotFound) {
			return 0, deltaFailed, err
		}
		if kind, ok := roles[rf.id]; ok {
			f.Special = kind
		}
		if _, err := a.store.UpsertFolder(ctx, f); err != nil {
			return 0, deltaFailed, err
		}
	}

	if err := a.store.SaveAccountCursor(ctx, a.account.ID, link); err != nil {
		return 0, deltaFailed, err
	}
	return len(items), deltaContinue, nil
}

// wellKnownFolders resolves the remote ids of the folders with a fixed role
func (a *Adapter) wellKnownFolders(ctx context.Context) (map[string]model.SpecialFolder, error) {
	names := make([]string, 0, len(wellKnownFolders))
	for name := range wellKnownFolders {
		names = append(names, name)
	}
	slices.Sort(names)

	ids, err := a.api.WellKnownFolders(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("resolve well-known folders: %w", err)
	}

	roles := make(map[string]model.SpecialFolder, len(ids))
	for name, id := range ids {
		roles[id] = wellKnownFolders[name]
	}
	return roles, nil
}

// syncFolderMessages runs the message delta of one folder. An expired
// folder token is dropped and the delta restarted once.
func (a *Adapter) syncFolderMessages(ctx context.Context, f model.Folder) ([]model.MailCopy, int, error) {
	token := f.DeltaToken
	for attempt := 0; attempt < 2; attempt++ {
		unread, n, outcome, err := a.messageDelta(ctx, f, token)
		switch outcome {
		case deltaContinue:
			return unread, n, nil
		case deltaNeedsCursorReset:
			a.log.Warn().Err(err).Str("folder", f.Name).Msg("message delta expired, restarting folder")
			if err := a.store.SaveFolderDeltaToken(ctx, f.ID, ""); err != nil {
				return nil, 0, err
			}
			token = ""
		default:
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("%w: message delta expired twice", syncer.ErrCursorInvalidated)
}

func (a *Adapter) messageDelta(ctx context.Context, f model.Folder, token string) ([]model.MailCopy, int, deltaOutcome, error) {
	var (
		newUnread []model.MailCopy
		changes   int
		link      = token
	)
	for {
		page, err := a.api.MessageDelta(ctx, f.RemoteID, link)
		if isGone(err) && token != "" {
			return nil, 0, deltaNeedsCursorReset, err
		}
		if err != nil {
			return nil, 0, deltaFailed, err
		}

		for _, m := range page.items {
			inserted, err := a.applyMessage(ctx, f, m)
			if err != nil {
				return nil, 0, deltaFailed, fmt.Errorf("apply message %s: %w", m.id, err)
			}
			if inserted != nil && !inserted.IsRead && f.IsSpecial(model.FolderInbox) {
				newUnread = append(newUnread, *inserted)
			}
		}
		changes += len(page.items)

		if page.nextLink == "" {
			link = page.deltaLink
			break
		}
		link = page.nextLink
	}

	if err := a.store.SaveFolderDeltaToken(ctx, f.ID, link); err != nil {
		return nil, 0, deltaFailed, err
	}
	return newUnread, changes, deltaContinue, nil
}

// applyMessage replays one delta record. It returns the copy when a new one
// was inserted.
func (a *Adapter) applyMessage(ctx context.Context, f model.Folder, m remoteMessage) (*model.MailCopy, error) {
	if m.removed {
		_, err := a.store.DeleteCopyInFolder(ctx, f.ID, m.id)
		return nil, err
	}

	existing, err := a.store.CopyInFolder(ctx, f.ID, m.id)
	if err == nil {
		_, err := a.store.UpdateCopyState(ctx, existing.CopyID, m.isRead, m.flagged)
		return nil, err
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	full, err := a.api.GetMessage(ctx, m.id)
	if statusCode(err) == 404 {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c := a.copyFromMessage(full)
	c.FolderID = f.ID

	if c.DraftCorrelationID != "" {
		local, err := a.store.DraftByCorrelationID(ctx, a.account.ID, c.DraftCorrelationID)
		if err == nil && (local.RemoteID == "" || local.RemoteID == m.id) {
			return nil, a.store.AttachRemoteDraft(ctx, a.account.ID, local.CopyID, f.ID, m.id, m.id)
		}
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}

	inserted, err := a.store.InsertCopy(ctx, c)
	if err != nil || !inserted {
		return nil, err
	}
	return &c, nil
}

func (a *Adapter) copyFromMessage(m remoteMessage) model.MailCopy {
	c := model.MailCopy{
		CopyID:    uuid.NewString(),
		AccountID: a.account.ID,
		RemoteID:  m.id,
		ThreadID:  m.conversationID,
		Subject:   m.subject,
		Sender:    m.from,
		Snippet:   m.preview,
		IsRead:    m.isRead,
		IsFlagged: m.flagged,
		IsDraft:   m.isDraft,
	}
	if !m.received.IsZero() {
		c.ReceivedAt = m.received.Unix()
	}
	if len(m.headers) == 0 {
		return c
	}

	var b strings.Builder
	for _, h := range m.headers {
		b.WriteString(h.name)
		b.WriteString(": ")
		b.WriteString(h.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	hdr, err := mime.ParseHeaders(strings.NewReader(b.String()))
	if err != nil {
		a.log.Debug().Err(err).Str("message_id", m.id).Msg("parse headers")
		return c
	}
	hdr.Apply(&c)
	return c
}

// SynchronizeProfile stores the display name and primary address
func (a *Adapter) SynchronizeProfile(ctx context.Context) error {
	p, err := a.api.Profile(ctx)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}
	return a.store.UpdateProfile(ctx, a.account.ID, p.displayName, p.address)
}

// SynchronizeAliases stores the proxy addresses of the mailbox
func (a *Adapter) SynchronizeAliases(ctx context.Context) error {
	p, err := a.api.Profile(ctx)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}

	aliases := []model.Alias{{Address: p.address, Name: p.displayName, IsPrimary: true}}
	for _, addr := range p.aliases {
		if strings.EqualFold(addr, p.address) {
			continue
		}
		aliases = append(aliases, model.Alias{Address: addr})
	}
	return a.store.ReplaceAliases(ctx, a.account.ID, aliases)
}

// Close releases nothing; the Graph client holds no connections of its own
func (a *Adapter) Close() error {
	return nil
}
