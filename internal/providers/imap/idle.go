package imap

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

// idler is a connection dedicated to IDLE on one mailbox
type idler interface {
	Select(name string) (mailboxState, error)
	// Idle blocks until stop is closed or the connection fails
	Idle(stop <-chan struct{}) error
	// Changes signals new or expunged messages in the selected mailbox
	Changes() <-chan struct{}
	Logout() error
}

type clientIdler struct {
	c       *client.Client
	timeout time.Duration
	updates chan client.Update
	changes chan struct{}
	quit    chan struct{}
}

func newClientIdler(c *client.Client, timeout time.Duration) *clientIdler {
	i := &clientIdler{
		c:       c,
		timeout: timeout,
		updates: make(chan client.Update, 16),
		changes: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	c.Updates = i.updates
	go i.forward()
	return i
}

// forward drains unilateral responses so the reader never blocks, and
// coalesces new, expunged and flag-changed messages into one pending signal
func (i *clientIdler) forward() {
	for {
		select {
		case <-i.quit:
			return
		case u := <-i.updates:
			switch u.(type) {
			case *client.MailboxUpdate, *client.ExpungeUpdate, *client.MessageUpdate:
				select {
				case i.changes <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (i *clientIdler) Select(name string) (mailboxState, error) {
	st, err := i.c.Select(name, true)
	if err != nil {
		return mailboxState{}, err
	}
	return mailboxState{uidValidity: st.UidValidity}, nil
}

// Idle lifts the command timeout of the connection while idling, since the
// client applies it as a deadline on the whole IDLE command
func (i *clientIdler) Idle(stop <-chan struct{}) error {
	timeout := i.c.Timeout
	i.c.Timeout = 0
	defer func() { i.c.Timeout = timeout }()
	return i.c.Idle(stop, &client.IdleOptions{LogoutTimeout: i.timeout})
}

func (i *clientIdler) Changes() <-chan struct{} {
	return i.changes
}

func (i *clientIdler) Logout() error {
	defer close(i.quit)
	return i.c.Logout()
}

// Watch idles on the inbox and calls trigger with an inbox pass whenever
// the server reports a change. Lost connections are re-established with
// exponential backoff until ctx ends.
func (p *Provider) Watch(ctx context.Context, trigger func(syncer.Options)) error {
	b := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(0), backoff.WithMaxInterval(5*time.Minute))
	for {
		err := p.idleOnce(ctx, trigger, b.Reset)
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		p.log.Warn().Err(err).Dur("retry_in", wait).Msg("imap idle interrupted")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (p *Provider) idleOnce(ctx context.Context, trigger func(syncer.Options), connected func()) error {
	conn, err := p.dialIdle(ctx)
	if err != nil {
		return err
	}
	defer conn.Logout()

	if _, err := conn.Select(imap.InboxName); err != nil {
		return err
	}
	connected()
	p.log.Debug().Msg("idling on inbox")

	for {
		stop := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- conn.Idle(stop)
		}()

		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return ctx.Err()

		case <-conn.Changes():
			close(stop)
			if err := <-done; err != nil {
				return err
			}
			trigger(syncer.Options{Type: syncer.TypeInbox})

		case err := <-done:
			return err
		}
	}
}
