package gmail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/mime"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

// Label ids with a fixed meaning
const (
	labelInbox   = "INBOX"
	labelUnread  = "UNREAD"
	labelStarred = "STARRED"
	labelTrash   = "TRASH"
	labelDraft   = "DRAFT"
)

// systemFolders are the system labels synchronized as folders. Other system
// labels (UNREAD, STARRED, IMPORTANT, CATEGORY_*) only carry state.
var systemFolders = map[string]model.SpecialFolder{
	labelInbox: model.FolderInbox,
	"SENT":     model.FolderSent,
	labelDraft: model.FolderDrafts,
	labelTrash: model.FolderTrash,
	"SPAM":     model.FolderJunk,
}

// Config tunes the Gmail provider
type Config struct {
	// DownloadBatchSize caps the messages fetched per batch. Gmail documents
	// 100 but large batches exhaust client memory, so 50 is used by default.
	DownloadBatchSize   int
	DownloadConcurrency int
	Engine              syncer.EngineConfig
}

// Provider synchronizes a Gmail account through history deltas
type Provider struct {
	account model.Account
	api     api
	store   providers.Store
	cfg     Config
	log     zerolog.Logger
	engine  *syncer.Engine[op, reply]
}

// New creates a Gmail provider authenticated by ts
func New(ctx context.Context, account model.Account, ts oauth2.TokenSource, store providers.Store, cfg Config) (*Provider, error) {
	httpClient := oauth2.NewClient(ctx, ts)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return newProvider(account, &serviceAPI{svc: svc}, store, cfg), nil
}

func newProvider(account model.Account, a api, store providers.Store, cfg Config) *Provider {
	if cfg.DownloadBatchSize <= 0 {
		cfg.DownloadBatchSize = 50
	}
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = 8
	}
	p := &Provider{
		account: account,
		api:     a,
		store:   store,
		cfg:     cfg,
		log:     cfg.Engine.Logger.With().Str("provider", "gmail").Str("account_id", account.ID).Logger(),
	}
	p.engine = syncer.NewEngine[op, reply](account.ID, p, cfg.Engine)
	return p
}

// ExecuteRequests sends queued requests as merged batch calls
func (p *Provider) ExecuteRequests(ctx context.Context, reqs []request.Request) ([]syncer.Outcome, error) {
	return p.engine.Run(ctx, reqs)
}

// Synchronize pulls label changes and message history. Gmail has no
// per-folder cursor, so every message pass is account wide.
func (p *Provider) Synchronize(ctx context.Context, opts syncer.Options, progress syncer.ProgressFunc) (syncer.Result, error) {
	if err := p.syncLabels(ctx); err != nil {
		return syncer.Result{}, fmt.Errorf("sync labels: %w", err)
	}
	if opts.Type == syncer.TypeFoldersOnly {
		return syncer.Result{Status: syncer.StatusCompleted}, nil
	}

	account, err := p.store.Account(ctx, p.account.ID)
	if err != nil {
		return syncer.Result{}, fmt.Errorf("load account: %w", err)
	}

	if account.SyncCursor == "" {
		p.log.Info().Msg("starting initial sync")
		return p.initialSync(ctx, progress)
	}

	res, err := p.historySync(ctx, account.SyncCursor, progress)
	if errors.Is(err, syncer.ErrCursorInvalidated) {
		p.log.Warn().Err(err).Msg("history cursor invalidated, running full resync")
		if err := p.store.SaveAccountCursor(ctx, p.account.ID, ""); err != nil {
			return syncer.Result{}, err
		}
		return p.initialSync(ctx, progress)
	}
	return res, err
}

// initialSync lists every message id before downloading anything. The
// history id is read first so changes made during the listing are replayed
// by the next delta.
func (p *Provider) initialSync(ctx context.Context, progress syncer.ProgressFunc) (syncer.Result, error) {
	profile, err := p.api.Profile(ctx)
	if err != nil {
		return syncer.Result{}, fmt.Errorf("get profile: %w", err)
	}

	var ids []string
	err = p.api.ListMessageIDs(ctx, func(page []string) error {
		ids = append(ids, page...)
		return nil
	})
	if err != nil {
		return syncer.Result{}, fmt.Errorf("list messages: %w", err)
	}

	missing, err := p.unknown(ctx, ids)
	if err != nil {
		return syncer.Result{}, err
	}

	newUnread, err := p.download(ctx, missing, progress)
	if err != nil {
		return syncer.Result{}, err
	}

	if err := p.store.SaveAccountCursor(ctx, p.account.ID, strconv.FormatUint(profile.HistoryId, 10)); err != nil {
		return syncer.Result{}, err
	}

	p.log.Info().Int("listed", len(ids)).Int("downloaded", len(missing)).Msg("initial sync complete")
	return syncer.Result{Status: syncer.StatusCompleted, NewUnread: newUnread}, nil
}

type labelChange struct {
	messageID string
	labels    []string
	added     bool
}

// historySync replays history since cursor. Inserts run before label
// changes, which run before deletions.
func (p *Provider) historySync(ctx context.Context, cursor string, progress syncer.ProgressFunc) (syncer.Result, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return syncer.Result{}, fmt.Errorf("%w: malformed history id %q", syncer.ErrCursorInvalidated, cursor)
	}

	var (
		added    []string
		seen     = make(map[string]bool)
		deleted  = make(map[string]bool)
		changes  []labelChange
		latestID = start
		entries  int
	)

	err = p.api.ListHistory(ctx, start, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latestID {
			latestID = page.HistoryId
		}
		for _, h := range page.History {
			entries++
			if h.Id > latestID {
				latestID = h.Id
			}
			for _, rec := range h.MessagesAdded {
				if rec.Message == nil || seen[rec.Message.Id] {
					continue
				}
				seen[rec.Message.Id] = true
				added = append(added, rec.Message.Id)
			}
			for _, rec := range h.MessagesDeleted {
				if rec.Message != nil {
					deleted[rec.Message.Id] = true
				}
			}
			for _, rec := range h.LabelsAdded {
				if rec.Message != nil {
					changes = append(changes, labelChange{messageID: rec.Message.Id, labels: rec.LabelIds, added: true})
				}
			}
			for _, rec := range h.LabelsRemoved {
				if rec.Message != nil {
					changes = append(changes, labelChange{messageID: rec.Message.Id, labels: rec.LabelIds, added: false})
				}
			}
		}
		return nil
	})
	if statusCode(err) == 404 {
		return syncer.Result{}, fmt.Errorf("%w: history %d expired", syncer.ErrCursorInvalidated, start)
	}
	if err != nil {
		return syncer.Result{}, fmt.Errorf("failed to sync history: %w", err)
	}

	// messages deleted later in the same history are never downloaded
	var candidates []string
	for _, id := range added {
		if !deleted[id] {
			candidates = append(candidates, id)
		}
	}
	toDownload, err := p.unknown(ctx, candidates)
	if err != nil {
		return syncer.Result{}, err
	}

	newUnread, err := p.download(ctx, toDownload, progress)
	if err != nil {
		return syncer.Result{}, err
	}

	downloaded := make(map[string]bool, len(toDownload))
	for _, id := range toDownload {
		downloaded[id] = true
	}
	for _, ch := range changes {
		if deleted[ch.messageID] || downloaded[ch.messageID] {
			continue
		}
		if err := p.applyLabelChange(ctx, ch); err != nil {
			return syncer.Result{}, fmt.Errorf("apply label change on %s: %w", ch.messageID, err)
		}
	}

	if len(deleted) > 0 {
		ids := make([]string, 0, len(deleted))
		for id := range deleted {
			ids = append(ids, id)
		}
		if _, err := p.store.DeleteByRemoteID(ctx, p.account.ID, ids); err != nil {
			return syncer.Result{}, fmt.Errorf("delete messages: %w", err)
		}
	}

	if latestID != start {
		if err := p.store.SaveAccountCursor(ctx, p.account.ID, strconv.FormatUint(latestID, 10)); err != nil {
			return syncer.Result{}, err
		}
	}

	status := syncer.StatusCompleted
	if entries == 0 {
		status = syncer.StatusEmpty
	}
	return syncer.Result{Status: status, NewUnread: newUnread}, nil
}

// unknown filters ids down to messages without a local copy
func (p *Provider) unknown(ctx context.Context, ids []string) ([]string, error) {
	var out []string
	for _, id := range ids {
		copies, err := p.store.CopiesByRemoteID(ctx, p.account.ID, id)
		if err != nil {
			return nil, err
		}
		if len(copies) == 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

// download fetches messages in bounded batches and stores one copy per label
func (p *Provider) download(ctx context.Context, ids []string, progress syncer.ProgressFunc) ([]model.MailCopy, error) {
	var newUnread []model.MailCopy

	batches := providers.Chunk(ids, p.cfg.DownloadBatchSize)
	for i, batch := range batches {
		msgs := make([]*gmail.Message, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.DownloadConcurrency)
		for j, id := range batch {
			g.Go(func() error {
				m, err := p.api.GetMessage(gctx, id)
				if statusCode(err) == 404 {
					return nil
				}
				if err != nil {
					return fmt.Errorf("failed to get message %s: %w", id, err)
				}
				msgs[j] = m
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, m := range msgs {
			if m == nil {
				continue
			}
			inserted, err := p.storeMessage(ctx, m)
			if err != nil {
				return nil, err
			}
			newUnread = append(newUnread, inserted...)
		}
		providers.Progress(progress, i+1, len(batches))
	}
	return newUnread, nil
}

// storeMessage inserts one copy per folder label and returns the new unread
// inbox copies. A server draft carrying a local correlation id is attached
// to that local draft instead.
func (p *Provider) storeMessage(ctx context.Context, m *gmail.Message) ([]model.MailCopy, error) {
	base := p.copyFromMessage(m)

	if base.IsDraft && base.DraftCorrelationID != "" {
		local, err := p.store.DraftByCorrelationID(ctx, p.account.ID, base.DraftCorrelationID)
		if err == nil && (local.RemoteID == "" || local.RemoteID == m.Id) {
			return nil, p.store.AttachRemoteDraft(ctx, p.account.ID, local.CopyID, "", m.Id, "")
		}
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}

	var newUnread []model.MailCopy
	for _, labelID := range m.LabelIds {
		f, err := p.store.FolderByRemoteID(ctx, p.account.ID, labelID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		c := base
		c.CopyID = uuid.NewString()
		c.FolderID = f.ID
		inserted, err := p.store.InsertCopy(ctx, c)
		if err != nil {
			return nil, err
		}
		if inserted && !c.IsRead && f.IsSpecial(model.FolderInbox) {
			newUnread = append(newUnread, c)
		}
	}
	return newUnread, nil
}

func (p *Provider) copyFromMessage(m *gmail.Message) model.MailCopy {
	c := model.MailCopy{
		AccountID:  p.account.ID,
		RemoteID:   m.Id,
		ThreadID:   m.ThreadId,
		Snippet:    m.Snippet,
		IsRead:     !hasLabel(m.LabelIds, labelUnread),
		IsFlagged:  hasLabel(m.LabelIds, labelStarred),
		IsDraft:    hasLabel(m.LabelIds, labelDraft),
		ReceivedAt: m.InternalDate / 1000,
	}

	if m.Payload != nil && len(m.Payload.Headers) > 0 {
		var b strings.Builder
		for _, h := range m.Payload.Headers {
			b.WriteString(h.Name)
			b.WriteString(": ")
			b.WriteString(h.Value)
			b.WriteString("\r\n")
		}
		b.WriteString("\r\n")

		hdr, err := mime.ParseHeaders(strings.NewReader(b.String()))
		if err != nil {
			p.log.Debug().Err(err).Str("message_id", m.Id).Msg("parse headers")
		} else {
			hdr.Apply(&c)
		}
	}
	return c
}

// applyLabelChange replays one label history record on an existing message
func (p *Provider) applyLabelChange(ctx context.Context, ch labelChange) error {
	ids := []string{ch.messageID}
	for _, label := range ch.labels {
		switch label {
		case labelUnread:
			if _, err := p.store.SetReadByRemoteID(ctx, p.account.ID, ids, !ch.added); err != nil {
				return err
			}
			continue
		case labelStarred:
			if _, err := p.store.SetFlaggedByRemoteID(ctx, p.account.ID, ids, ch.added); err != nil {
				return err
			}
			continue
		}

		f, err := p.store.FolderByRemoteID(ctx, p.account.ID, label)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		if !ch.added {
			if _, err := p.store.DeleteCopyInFolder(ctx, f.ID, ch.messageID); err != nil {
				return err
			}
			continue
		}

		copies, err := p.store.CopiesByRemoteID(ctx, p.account.ID, ch.messageID)
		if err != nil {
			return err
		}
		if len(copies) == 0 {
			m, err := p.api.GetMessage(ctx, ch.messageID)
			if statusCode(err) == 404 {
				return nil
			}
			if err != nil {
				return err
			}
			_, err = p.storeMessage(ctx, m)
			return err
		}

		c := copies[0]
		c.CopyID = uuid.NewString()
		c.FolderID = f.ID
		c.IsLocalDraft = false
		if _, err := p.store.InsertCopy(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// syncLabels mirrors the label list into folders
func (p *Provider) syncLabels(ctx context.Context) error {
	labels, err := p.api.ListLabels(ctx)
	if err != nil {
		return err
	}

	byName := make(map[string]string, len(labels))
	for _, l := range labels {
		byName[l.Name] = l.Id
	}

	seen := make(map[string]bool)
	for _, l := range labels {
		kind, ok := folderKind(l)
		if !ok {
			continue
		}

		name, parent := l.Name, ""
		if i := strings.LastIndex(l.Name, "/"); i > 0 && l.Type != "system" {
			name = l.Name[i+1:]
			parent = byName[l.Name[:i]]
		}

		_, err := p.store.UpsertFolder(ctx, model.Folder{
			AccountID:      p.account.ID,
			RemoteID:       l.Id,
			ParentRemoteID: parent,
			Name:           name,
			Special:        kind,
			Enabled:        true,
		})
		if err != nil {
			return err
		}
		seen[l.Id] = true
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

func folderKind(l *gmail.Label) (model.SpecialFolder, bool) {
	if kind, ok := systemFolders[l.Id]; ok {
		return kind, true
	}
	return model.FolderOther, l.Type != "system"
}

// SynchronizeProfile stores the address and primary send-as name
func (p *Provider) SynchronizeProfile(ctx context.Context) error {
	profile, err := p.api.Profile(ctx)
	if err != nil {
		return fmt.Errorf("get profile: %w", err)
	}

	var displayName string
	sendAs, err := p.api.SendAs(ctx)
	if err != nil {
		return fmt.Errorf("list send-as: %w", err)
	}
	for _, s := range sendAs {
		if s.IsPrimary {
			displayName = s.DisplayName
		}
	}
	return p.store.UpdateProfile(ctx, p.account.ID, displayName, profile.EmailAddress)
}

// SynchronizeAliases stores the send-as addresses
func (p *Provider) SynchronizeAliases(ctx context.Context) error {
	sendAs, err := p.api.SendAs(ctx)
	if err != nil {
		return fmt.Errorf("list send-as: %w", err)
	}

	aliases := make([]model.Alias, 0, len(sendAs))
	for _, s := range sendAs {
		aliases = append(aliases, model.Alias{
			Address:   s.SendAsEmail,
			Name:      s.DisplayName,
			IsPrimary: s.IsPrimary,
		})
	}
	return p.store.ReplaceAliases(ctx, p.account.ID, aliases)
}

// Close releases nothing; the HTTP client is shared
func (p *Provider) Close() error {
	return nil
}

func hasLabel(labels []string, id string) bool {
	for _, l := range labels {
		if l == id {
			return true
		}
	}
	return false
}
