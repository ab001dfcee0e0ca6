package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/request"
)

// ProviderFactory creates the provider for an account
type ProviderFactory func(ctx context.Context, account model.Account) (Provider, error)

// ConnectivityTester checks that a server accepts the given settings
type ConnectivityTester func(ctx context.Context, server model.ServerInfo) error

// AccountStore lists the configured accounts
type AccountStore interface {
	Accounts(ctx context.Context) ([]model.Account, error)
	Account(ctx context.Context, id string) (model.Account, error)
}

// StatusRecorder persists the outcome of an account's last pass. An
// AccountStore implementing it gets every pass recorded.
type StatusRecorder interface {
	UpdateSyncStatus(ctx context.Context, accountID, status, lastError string) error
}

// DraftStore removes local drafts that never reached a server
type DraftStore interface {
	DeleteCopy(ctx context.Context, accountID, copyID string) error
}

// Config wires the collaborators of a Manager
type Config struct {
	Accounts         AccountStore
	Drafts           DraftStore
	Factory          ProviderFactory
	Notifier         Notifier
	UI               UIMutator
	TestConnectivity ConnectivityTester
	// PollInterval enables a periodic inbox pass per account when positive
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Manager owns one Synchronizer per account
type Manager struct {
	cfg Config
	log zerolog.Logger

	synchronizers map[string]*Synchronizer
	providers     map[string]Provider
	runners       map[string]*runner
	runnersMutex  sync.RWMutex

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a manager. Call Init before use.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:           cfg,
		log:           cfg.Logger.With().Str("component", "manager").Logger(),
		synchronizers: make(map[string]*Synchronizer),
		providers:     make(map[string]Provider),
		runners:       make(map[string]*runner),
	}
}

// Init creates synchronizers for every stored account and starts their
// background runners. Accounts whose provider cannot be built are skipped.
func (m *Manager) Init(ctx context.Context) error {
	m.baseCtx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))

	accounts, err := m.cfg.Accounts.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	for _, account := range accounts {
		if _, err := m.synchronizer(ctx, account.ID); err != nil {
			m.log.Error().Err(err).Str("account_id", account.ID).Msg("create synchronizer")
		}
	}

	m.log.Info().Int("accounts", len(accounts)).Msg("sync manager started")
	return nil
}

// Shutdown stops all runners, waits for background passes and closes providers
func (m *Manager) Shutdown() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for id, p := range m.providers {
		if err := p.Close(); err != nil {
			m.log.Warn().Err(err).Str("account_id", id).Msg("close provider")
		}
	}

	m.synchronizers = make(map[string]*Synchronizer)
	m.providers = make(map[string]Provider)
	m.runners = make(map[string]*runner)
	m.log.Info().Msg("sync manager stopped")
}

// Synchronize runs one pass for accountID and waits for it
func (m *Manager) Synchronize(ctx context.Context, accountID string, opts Options) (Result, error) {
	s, err := m.synchronizer(ctx, accountID)
	if err != nil {
		return Result{Status: StatusFailed, Err: err}, err
	}
	res, err := s.Synchronize(ctx, opts)
	m.recordStatus(ctx, accountID, res, err)
	return res, err
}

func (m *Manager) recordStatus(ctx context.Context, accountID string, res Result, err error) {
	rec, ok := m.cfg.Accounts.(StatusRecorder)
	if !ok {
		return
	}

	status, lastError := res.Status, ""
	if err != nil {
		lastError = err.Error()
		if status == "" {
			status = StatusFailed
		}
	}
	if rerr := rec.UpdateSyncStatus(context.WithoutCancel(ctx), accountID, string(status), lastError); rerr != nil {
		m.log.Warn().Err(rerr).Str("account_id", accountID).Msg("record sync status")
	}
}

// QueueRequest queues req for accountID. With triggerSync a request-only
// pass is started in the background.
func (m *Manager) QueueRequest(ctx context.Context, req request.Request, accountID string, triggerSync bool) error {
	if discard, ok := req.(request.DiscardLocalDraft); ok {
		return m.discardLocalDraft(ctx, accountID, discard)
	}

	s, err := m.synchronizer(ctx, accountID)
	if err != nil {
		return err
	}

	s.Queue(req)
	if triggerSync {
		m.background(accountID, Options{Type: TypeExecuteRequests})
	}
	return nil
}

func (m *Manager) discardLocalDraft(ctx context.Context, accountID string, req request.DiscardLocalDraft) error {
	if m.cfg.UI != nil {
		m.cfg.UI.ApplyUIChange(accountID, req)
	}
	if err := m.cfg.Drafts.DeleteCopy(ctx, accountID, req.Item.CopyID); err != nil {
		if m.cfg.UI != nil {
			m.cfg.UI.RevertUIChange(accountID, req)
		}
		return fmt.Errorf("discard local draft %s: %w", req.Item.CopyID, err)
	}
	return nil
}

// TestConnectivity checks server settings without creating an account
func (m *Manager) TestConnectivity(ctx context.Context, server model.ServerInfo) error {
	if m.cfg.TestConnectivity == nil {
		return ErrUnsupportedOperation
	}
	return m.cfg.TestConnectivity(ctx, server)
}

// IsSynchronizing reports whether accountID has a pass in progress
func (m *Manager) IsSynchronizing(accountID string) bool {
	m.runnersMutex.RLock()
	s, ok := m.synchronizers[accountID]
	m.runnersMutex.RUnlock()

	return ok && s.IsSynchronizing()
}

// Status returns the state and queue length of accountID
func (m *Manager) Status(accountID string) (State, int, error) {
	m.runnersMutex.RLock()
	s, ok := m.synchronizers[accountID]
	m.runnersMutex.RUnlock()

	if !ok {
		return "", 0, ErrSynchronizerNotFound
	}
	return s.State(), s.Pending(), nil
}

// DestroySynchronizer stops and forgets the synchronizer of a removed
// account. The provider is closed once its background loops have returned.
func (m *Manager) DestroySynchronizer(accountID string) error {
	m.runnersMutex.Lock()
	_, ok := m.synchronizers[accountID]
	if !ok {
		m.runnersMutex.Unlock()
		return ErrSynchronizerNotFound
	}

	r := m.runners[accountID]
	p := m.providers[accountID]
	delete(m.synchronizers, accountID)
	delete(m.providers, accountID)
	delete(m.runners, accountID)
	m.runnersMutex.Unlock()

	if r != nil {
		r.stop()
	}

	m.log.Info().Str("account_id", accountID).Msg("synchronizer destroyed")
	if p != nil {
		return p.Close()
	}
	return nil
}

// RunningSyncs returns the accounts with a pass in progress
func (m *Manager) RunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	var ids []string
	for id, s := range m.synchronizers {
		if s.IsSynchronizing() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// synchronizer returns the synchronizer of accountID, creating it on first use
func (m *Manager) synchronizer(ctx context.Context, accountID string) (*Synchronizer, error) {
	m.runnersMutex.RLock()
	s, ok := m.synchronizers[accountID]
	m.runnersMutex.RUnlock()
	if ok {
		return s, nil
	}

	account, err := m.cfg.Accounts.Account(ctx, accountID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSynchronizerNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", accountID, err)
	}

	p, err := m.cfg.Factory(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("create provider for %s: %w", accountID, err)
	}

	m.runnersMutex.Lock()
	if existing, ok := m.synchronizers[accountID]; ok {
		m.runnersMutex.Unlock()
		_ = p.Close()
		return existing, nil
	}
	s = NewSynchronizer(account, p, m.cfg.Notifier, m.cfg.Logger)
	m.synchronizers[accountID] = s
	m.providers[accountID] = p
	m.runnersMutex.Unlock()

	m.startRunner(s, p)
	return s, nil
}

// background starts a pass that outlives the caller's request
func (m *Manager) background(accountID string, opts Options) {
	ctx := m.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res, err := m.Synchronize(ctx, accountID, opts)
		if err != nil {
			m.log.Error().Err(err).Str("account_id", accountID).Msg("background sync failed")
			return
		}
		m.log.Debug().Str("account_id", accountID).Str("status", string(res.Status)).Msg("background sync finished")
	}()
}
