package imap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("imap pool closed")

// DialFunc opens a new authenticated session
type DialFunc func(ctx context.Context) (session, error)

// Pool hands out at most size sessions at a time and keeps released ones
// open for reuse
type Pool struct {
	dial    DialFunc
	sem     *semaphore.Weighted
	log     zerolog.Logger
	retries uint64

	mu     sync.Mutex
	idle   []session
	closed bool
}

// NewPool creates a pool of at most size connections
func NewPool(size int, dial DialFunc, log zerolog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		dial:    dial,
		sem:     semaphore.NewWeighted(int64(size)),
		log:     log,
		retries: 3,
	}
}

// Acquire returns an idle session that still answers NOOP, or dials a new
// one with exponential backoff. Authentication failures are not retried.
func (p *Pool) Acquire(ctx context.Context) (session, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		s, ok, err := p.popIdle()
		if err != nil {
			p.sem.Release(1)
			return nil, err
		}
		if !ok {
			break
		}
		if err := s.Noop(); err == nil {
			return s, nil
		}
		p.log.Debug().Msg("discarding stale imap connection")
		s.Logout()
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(backoff.WithInitialInterval(time.Second)), p.retries),
		ctx,
	)
	s, err := backoff.RetryNotifyWithData(func() (session, error) {
		s, err := p.dial(ctx)
		if errors.Is(err, ErrAuthFailed) {
			return nil, backoff.Permanent(err)
		}
		return s, err
	}, b, func(err error, wait time.Duration) {
		p.log.Warn().Err(err).Dur("retry_in", wait).Msg("imap dial failed")
	})
	if err != nil {
		p.sem.Release(1)
		return nil, fmt.Errorf("connect: %w", err)
	}
	return s, nil
}

func (p *Pool) popIdle() (session, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrPoolClosed
	}
	if len(p.idle) == 0 {
		return nil, false, nil
	}
	s := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return s, true, nil
}

// Release returns s to the pool. A session whose last error broke the
// connection is logged out instead.
func (p *Pool) Release(s session, lastErr error) {
	defer p.sem.Release(1)

	p.mu.Lock()
	keep := !p.closed && !isConnError(lastErr)
	if keep {
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()

	if !keep {
		s.Logout()
	}
}

// Close logs out every idle session
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.Logout(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Idle reports how many sessions wait for reuse
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func isConnError(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
