package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/request"
)

// Progress checkpoints published during a pass
const (
	progressStart   = 1
	progressPreSync = 10
	progressDone    = 100
)

// Synchronizer owns the request queue and pass lifecycle of one account
type Synchronizer struct {
	account  model.Account
	provider Provider
	notifier Notifier
	log      zerolog.Logger

	sem *semaphore.Weighted

	mu     sync.Mutex
	queue  []request.Request
	state  State
	active int
	// syncing is set while a pass holds sem
	syncing bool

	// sleep waits before the follow-up sync; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSynchronizer wraps provider for account
func NewSynchronizer(account model.Account, provider Provider, notifier Notifier, log zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		account:  account,
		provider: provider,
		notifier: notifier,
		log:      log.With().Str("component", "synchronizer").Str("account_id", account.ID).Logger(),
		sem:      semaphore.NewWeighted(1),
		state:    StateIdle,
		sleep:    sleepContext,
	}
}

// Account returns the account served by the synchronizer
func (s *Synchronizer) Account() model.Account {
	return s.account
}

// Queue appends a request for the next pass
func (s *Synchronizer) Queue(r request.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, r)
}

// Pending returns the number of queued requests
func (s *Synchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// State returns the current lifecycle state
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsSynchronizing reports whether a pass is in progress
func (s *Synchronizer) IsSynchronizing() bool {
	return s.State() != StateIdle
}

func (s *Synchronizer) enter() {
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
}

// leave resets progress and returns to Idle once the last pass exits
func (s *Synchronizer) leave() {
	s.mu.Lock()
	s.active--
	last := s.active == 0
	s.mu.Unlock()

	if last {
		s.notifier.Progress(s.account.ID, 0)
		s.setState(StateIdle)
	}
}

func (s *Synchronizer) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed {
		s.notifier.StateChanged(s.account.ID, state)
	}
}

// executing moves to ExecutingRequests unless another pass holds the
// semaphore, whose Synchronizing state stands
func (s *Synchronizer) executing() {
	s.mu.Lock()
	syncing := s.syncing
	s.mu.Unlock()
	if !syncing {
		s.setState(StateExecutingRequests)
	}
}

func (s *Synchronizer) acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.mu.Lock()
	s.syncing = true
	s.mu.Unlock()
	s.setState(StateSynchronizing)
	return nil
}

// release frees the semaphore. Passes still running their requests are
// reported as ExecutingRequests again.
func (s *Synchronizer) release() {
	s.mu.Lock()
	s.syncing = false
	others := s.active > 1
	s.mu.Unlock()
	if others {
		s.setState(StateExecutingRequests)
	}
	s.sem.Release(1)
}

// drain takes the queued requests as an immutable snapshot
func (s *Synchronizer) drain() []request.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.queue
	s.queue = nil
	return snapshot
}

// Synchronize runs one pass. Queued requests are executed first, then the
// remote changes selected by opts are pulled. Only one pass per account
// synchronizes at a time; other callers wait.
func (s *Synchronizer) Synchronize(ctx context.Context, opts Options) (Result, error) {
	s.enter()
	defer s.leave()

	switch opts.Type {
	case TypeProfile, TypeAlias:
		return s.refreshAccount(ctx, opts.Type)
	}

	reqs := s.drain()
	var outcomes []Outcome

	s.executing()
	s.notifier.Progress(s.account.ID, progressStart)

	if len(reqs) > 0 {
		var err error
		outcomes, err = s.provider.ExecuteRequests(ctx, reqs)
		if err != nil {
			if isCanceled(ctx, err) {
				return Result{Status: StatusCanceled, Outcomes: outcomes, Err: ErrCanceled}, nil
			}
			s.log.Error().Err(err).Int("requests", len(reqs)).Msg("request execution failed")
			return Result{Status: StatusFailed, Outcomes: outcomes, Err: err}, err
		}
	}

	if opts.Type == TypeExecuteRequests {
		opts = followUp(reqs)
	}

	s.notifier.Progress(s.account.ID, progressPreSync)

	if err := s.acquire(ctx); err != nil {
		return Result{Status: StatusCanceled, Outcomes: outcomes, Err: ErrCanceled}, nil
	}
	defer s.release()

	if delay := request.MaxDelay(reqs); delay > 0 {
		s.log.Debug().Dur("delay", delay).Msg("waiting before synchronization")
		if err := s.sleep(ctx, delay); err != nil {
			return Result{Status: StatusCanceled, Outcomes: outcomes, Err: ErrCanceled}, nil
		}
	}

	res, err := s.provider.Synchronize(ctx, opts, func(p int) {
		s.notifier.Progress(s.account.ID, scaleProgress(p))
	})
	res.Outcomes = outcomes
	if err != nil {
		if isCanceled(ctx, err) {
			res.Status = StatusCanceled
			res.Err = ErrCanceled
			return res, nil
		}
		s.log.Error().Err(err).Str("type", string(opts.Type)).Msg("synchronization failed")
		res.Status = StatusFailed
		res.Err = err
		return res, fmt.Errorf("synchronize %s: %w", s.account.ID, err)
	}

	s.notifier.Progress(s.account.ID, progressDone)

	if res.Status == "" {
		res.Status = StatusCompleted
	}
	if len(res.NewUnread) > 0 {
		s.notifier.NewMail(ctx, s.account.ID, res.NewUnread)
	}
	if len(res.NewUnread) > 0 || len(reqs) > 0 {
		s.notifier.UnreadCountsChanged(s.account.ID)
	}

	return res, nil
}

func (s *Synchronizer) refreshAccount(ctx context.Context, t Type) (Result, error) {
	if err := s.acquire(ctx); err != nil {
		return Result{Status: StatusCanceled, Err: ErrCanceled}, nil
	}
	defer s.release()

	var err error
	if t == TypeProfile {
		err = s.provider.SynchronizeProfile(ctx)
	} else {
		err = s.provider.SynchronizeAliases(ctx)
	}
	if err != nil {
		if isCanceled(ctx, err) {
			return Result{Status: StatusCanceled, Err: ErrCanceled}, nil
		}
		s.log.Error().Err(err).Str("type", string(t)).Msg("account refresh failed")
		return Result{Status: StatusFailed, Err: err}, err
	}
	return Result{Status: StatusCompleted}, nil
}

// followUp picks the sync that follows a request-only pass
func followUp(reqs []request.Request) Options {
	if folders := request.AffectedFolders(reqs); len(folders) > 0 {
		return Options{Type: TypeCustomFolders, FolderIDs: folders}
	}
	return Options{Type: TypeFull}
}

// scaleProgress maps provider progress into the range after request execution
func scaleProgress(p int) int {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return progressPreSync + p*(progressDone-1-progressPreSync)/100
}

func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
