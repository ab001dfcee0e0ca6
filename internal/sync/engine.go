package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/request"
)

// Prepared pairs a request with its native form
type Prepared[N any] struct {
	Request request.Request
	Native  N
}

// Bundle is one native call together with the requests it carries
type Bundle[N any] struct {
	Requests []request.Request
	Native   N
	// Sequential bundles must not run concurrently with the rest of a batch
	Sequential bool
}

// Reply is the server answer for one bundle. A zero Reply means the batch
// returned nothing for the bundle.
type Reply[R any] struct {
	Value    R
	Err      error
	Received bool
}

// Native is the provider half of request execution
type Native[N, R any] interface {
	// Prepare builds the native form of one request. Calls run concurrently.
	Prepare(ctx context.Context, req request.Request) (N, error)
	// Merge folds one group of prepared requests into native calls
	Merge(group []Prepared[N]) []*Bundle[N]
	// Execute runs all bundles and returns one reply per bundle, in order
	Execute(ctx context.Context, bundles []*Bundle[N]) ([]Reply[R], error)
	// Succeeded updates the local store after the server accepted a bundle
	Succeeded(ctx context.Context, b *Bundle[N], value R) error
	// Failed compensates local state after a bundle was rejected
	Failed(ctx context.Context, b *Bundle[N], cause error) error
}

// EngineConfig holds the optional collaborators of an Engine
type EngineConfig struct {
	UI           UIMutator
	Dispatch     Dispatcher
	Logger       zerolog.Logger
	PrepareLimit int
}

// Engine executes queued requests through a provider's native batch calls
type Engine[N, R any] struct {
	accountID    string
	native       Native[N, R]
	ui           UIMutator
	dispatch     Dispatcher
	log          zerolog.Logger
	prepareLimit int
}

// NewEngine creates an engine for one account
func NewEngine[N, R any](accountID string, native Native[N, R], cfg EngineConfig) *Engine[N, R] {
	limit := cfg.PrepareLimit
	if limit <= 0 {
		limit = 8
	}
	return &Engine[N, R]{
		accountID:    accountID,
		native:       native,
		ui:           cfg.UI,
		dispatch:     cfg.Dispatch,
		log:          cfg.Logger.With().Str("component", "engine").Str("account_id", accountID).Logger(),
		prepareLimit: limit,
	}
}

// Run prepares, groups and executes reqs. The returned outcomes follow the
// order of reqs. A non-nil error means the whole batch call failed and every
// bundled request was rolled back.
func (e *Engine[N, R]) Run(ctx context.Context, reqs []request.Request) ([]Outcome, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	outcomes := make([]Outcome, len(reqs))
	position := make(map[string]int, len(reqs))
	for i, r := range reqs {
		outcomes[i].Request = r
		position[r.ID()] = i
	}

	natives := make([]N, len(reqs))
	errs := make([]error, len(reqs))

	var g errgroup.Group
	g.SetLimit(e.prepareLimit)
	for i, r := range reqs {
		g.Go(func() error {
			natives[i], errs[i] = e.native.Prepare(ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	prepared := make(map[string]Prepared[N], len(reqs))
	var ready []request.Request
	for i, r := range reqs {
		if errs[i] != nil {
			outcomes[i].Err = &RequestError{Request: r, Err: errs[i]}
			e.log.Warn().Err(errs[i]).Str("request_id", r.ID()).Str("kind", string(r.Kind())).Msg("request preparation failed")
			continue
		}
		prepared[r.ID()] = Prepared[N]{Request: r, Native: natives[i]}
		ready = append(ready, r)
	}

	var bundles []*Bundle[N]
	for _, group := range request.Group(ready) {
		items := make([]Prepared[N], len(group))
		for i, r := range group {
			items[i] = prepared[r.ID()]
		}
		bundles = append(bundles, e.native.Merge(items)...)
	}
	if len(bundles) == 0 {
		return outcomes, nil
	}

	for _, b := range bundles {
		for _, r := range b.Requests {
			e.applyUI(r)
		}
	}

	replies, err := e.native.Execute(ctx, bundles)
	if err != nil {
		e.log.Error().Err(err).Int("bundles", len(bundles)).Msg("batch execution failed")
		for _, b := range bundles {
			e.rollback(ctx, b, err)
			for _, r := range b.Requests {
				outcomes[position[r.ID()]].Err = err
			}
		}
		return outcomes, fmt.Errorf("execute batch: %w", err)
	}

	for i, b := range bundles {
		var reply Reply[R]
		if i < len(replies) {
			reply = replies[i]
		}

		switch {
		case reply.Received && reply.Err == nil:
			e.succeed(ctx, b, reply.Value)
		case errors.Is(reply.Err, ErrEntityNotFound):
			e.log.Warn().Err(reply.Err).Int("requests", len(b.Requests)).Msg("remote entity already gone")
			e.succeed(ctx, b, reply.Value)
		default:
			cause := reply.Err
			if cause == nil {
				cause = ErrNoResponse
			}
			e.rollback(ctx, b, cause)
			for _, r := range b.Requests {
				outcomes[position[r.ID()]].Err = cause
			}
		}
	}

	return outcomes, nil
}

func (e *Engine[N, R]) succeed(ctx context.Context, b *Bundle[N], value R) {
	if err := e.native.Succeeded(ctx, b, value); err != nil {
		e.log.Error().Err(err).Int("requests", len(b.Requests)).Msg("response handler failed")
	}
}

// rollback reverts UI changes and runs the compensating handler. Failures
// are logged only.
func (e *Engine[N, R]) rollback(ctx context.Context, b *Bundle[N], cause error) {
	for _, r := range b.Requests {
		e.revertUI(r)
	}
	if err := e.native.Failed(ctx, b, cause); err != nil {
		e.log.Warn().Err(err).AnErr("cause", cause).Msg("rollback failed")
	}
}

func (e *Engine[N, R]) applyUI(r request.Request) {
	e.onUI(func() { e.ui.ApplyUIChange(e.accountID, r) })
}

func (e *Engine[N, R]) revertUI(r request.Request) {
	e.onUI(func() { e.ui.RevertUIChange(e.accountID, r) })
}

func (e *Engine[N, R]) onUI(fn func()) {
	if e.ui == nil {
		return
	}
	if e.dispatch != nil {
		e.dispatch(fn)
		return
	}
	fn()
}
