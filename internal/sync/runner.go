package sync

import (
	"context"
	"errors"
	"sync"
	"time"
)

// runner tracks the background loops of one account
type runner struct {
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// stop cancels the loops and waits for them to return
func (r *runner) stop() {
	r.cancel()
	r.loops.Wait()
}

// spawn runs fn as one loop of the runner, counted by the manager as well
func (m *Manager) spawn(r *runner, fn func()) {
	m.wg.Add(1)
	r.loops.Add(1)
	go func() {
		defer m.wg.Done()
		defer r.loops.Done()
		fn()
	}()
}

// startRunner starts the background loops of one account: the periodic poll
// and, for providers with push support, the watcher
func (m *Manager) startRunner(s *Synchronizer, p Provider) {
	if m.baseCtx == nil {
		return
	}

	w, watches := p.(Watcher)
	if m.cfg.PollInterval <= 0 && !watches {
		return
	}

	accountID := s.Account().ID
	runnerCtx, cancel := context.WithCancel(m.baseCtx)
	r := &runner{cancel: cancel}

	if m.cfg.PollInterval > 0 {
		m.spawn(r, func() { m.poll(runnerCtx, s) })
	}
	if watches {
		m.spawn(r, func() { m.watch(runnerCtx, s, w) })
	}

	m.runnersMutex.Lock()
	m.runners[accountID] = r
	m.runnersMutex.Unlock()
}

// poll runs an inbox pass on every tick until ctx is done
func (m *Manager) poll(ctx context.Context, s *Synchronizer) {
	log := m.log.With().Str("account_id", s.Account().ID).Logger()
	log.Info().Dur("interval", m.cfg.PollInterval).Msg("poll start")

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("poll stop")
			return
		case <-ticker.C:
			if s.IsSynchronizing() {
				continue
			}
			res, err := s.Synchronize(ctx, Options{Type: TypeInbox})
			m.recordStatus(ctx, s.Account().ID, res, err)
			if err != nil {
				log.Error().Err(err).Msg("poll sync failed")
				continue
			}
			if len(res.NewUnread) > 0 {
				log.Info().Int("new_unread", len(res.NewUnread)).Msg("poll found new mail")
			}
		}
	}
}

// watch feeds push notifications into passes, restarting the watcher after
// failures until ctx is done
func (m *Manager) watch(ctx context.Context, s *Synchronizer, w Watcher) {
	log := m.log.With().Str("account_id", s.Account().ID).Logger()

	trigger := func(opts Options) {
		res, err := s.Synchronize(ctx, opts)
		m.recordStatus(ctx, s.Account().ID, res, err)
		if err != nil {
			log.Error().Err(err).Msg("push sync failed")
		}
	}

	for {
		err := w.Watch(ctx, trigger)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		log.Warn().Err(err).Msg("watcher stopped, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}
