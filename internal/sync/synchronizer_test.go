package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/request"
)

func newTestSynchronizer(p *fakeProvider, n *recordingNotifier) *Synchronizer {
	s := NewSynchronizer(model.Account{ID: "acc"}, p, n, zerolog.Nop())
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestRequestPassNarrowsToAffectedFolders(t *testing.T) {
	p := &fakeProvider{}
	n := &recordingNotifier{}
	s := newTestSynchronizer(p, n)

	s.Queue(request.NewMarkRead(mail("1", "F"), true))
	s.Queue(request.NewMarkRead(mail("2", "G"), true))

	res, err := s.Synchronize(context.Background(), Options{Type: TypeExecuteRequests})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.Outcomes, 2)

	require.Len(t, p.executed, 1)
	assert.Len(t, p.executed[0], 2)
	assert.Equal(t, []Options{{Type: TypeCustomFolders, FolderIDs: []string{"F", "G"}}}, p.syncCalls())
	assert.Zero(t, s.Pending())
}

func TestRequestPassWithoutFoldersRunsFullSync(t *testing.T) {
	p := &fakeProvider{}
	s := newTestSynchronizer(p, &recordingNotifier{})

	s.Queue(request.NewRenameFolder(model.Folder{ID: "F"}, "Renamed"))

	_, err := s.Synchronize(context.Background(), Options{Type: TypeExecuteRequests})
	require.NoError(t, err)
	assert.Equal(t, []Options{{Type: TypeFull}}, p.syncCalls())
}

func TestProgressCheckpoints(t *testing.T) {
	n := &recordingNotifier{}
	s := newTestSynchronizer(&fakeProvider{}, n)

	_, err := s.Synchronize(context.Background(), Options{Type: TypeInbox})
	require.NoError(t, err)

	assert.Equal(t, progressStart, n.progress[0])
	assert.Contains(t, n.progress, progressPreSync)
	assert.Contains(t, n.progress, progressDone)
	assert.Equal(t, 0, n.lastProgress())
	assert.Equal(t, []State{StateExecutingRequests, StateSynchronizing, StateIdle}, n.states)
}

func TestSemaphoreReleasedAfterFailure(t *testing.T) {
	p := &fakeProvider{syncErr: errors.New("server unavailable")}
	n := &recordingNotifier{}
	s := newTestSynchronizer(p, n)

	res, err := s.Synchronize(context.Background(), Options{Type: TypeFull})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 0, n.lastProgress())
	assert.Equal(t, StateIdle, s.State())

	p.mu.Lock()
	p.syncErr = nil
	p.mu.Unlock()

	res, err = s.Synchronize(context.Background(), Options{Type: TypeFull})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestBatchFailureFailsPass(t *testing.T) {
	p := &fakeProvider{execErr: errors.New("batch rejected")}
	s := newTestSynchronizer(p, &recordingNotifier{})
	s.Queue(request.NewMarkRead(mail("1", "F"), true))

	res, err := s.Synchronize(context.Background(), Options{Type: TypeExecuteRequests})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, p.syncCalls())

	_, err = s.Synchronize(context.Background(), Options{Type: TypeInbox})
	require.NoError(t, err)
}

func TestPassesNeverOverlap(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	s := newTestSynchronizer(p, &recordingNotifier{})

	done := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := s.Synchronize(context.Background(), Options{Type: TypeInbox})
			done <- err
		}()
	}

	require.Eventually(t, func() bool { return len(p.syncCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsSynchronizing())

	close(p.block)
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	assert.Len(t, p.syncCalls(), 2)
	assert.Equal(t, 1, p.maxRunning)
	assert.False(t, s.IsSynchronizing())
}

func TestRequestPassKeepsStateOfRunningSync(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	n := &recordingNotifier{}
	s := newTestSynchronizer(p, n)

	done := make(chan error, 2)
	go func() {
		_, err := s.Synchronize(context.Background(), Options{Type: TypeInbox})
		done <- err
	}()
	require.Eventually(t, func() bool { return len(p.syncCalls()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, StateSynchronizing, s.State())

	s.Queue(request.NewMarkRead(mail("1", "F"), true))
	go func() {
		_, err := s.Synchronize(context.Background(), Options{Type: TypeExecuteRequests})
		done <- err
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.executed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateSynchronizing, s.State())

	close(p.block)
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	assert.Equal(t, StateIdle, s.State())
	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, []State{StateExecutingRequests, StateSynchronizing}, n.states[:2])
	assert.Equal(t, StateIdle, n.states[len(n.states)-1])
}

func TestMaxDelayWaitedOnce(t *testing.T) {
	p := &fakeProvider{}
	s := newTestSynchronizer(p, &recordingNotifier{})

	var waits []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	draft := mail("1", "D")
	draft.IsDraft = true
	s.Queue(request.NewSendDraft(draft, 2*time.Second))
	s.Queue(request.NewSendDraft(mail("2", "D"), 5*time.Second))
	s.Queue(request.NewMarkRead(mail("3", "F"), true))

	_, err := s.Synchronize(context.Background(), Options{Type: TypeExecuteRequests})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, waits)
}

func TestCanceledPassReturnsCanceledResult(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{})}
	n := &recordingNotifier{}
	s := newTestSynchronizer(p, n)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return len(p.syncCalls()) == 1 }, time.Second, 5*time.Millisecond)
		cancel()
	}()

	res, err := s.Synchronize(ctx, Options{Type: TypeFull})
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.ErrorIs(t, res.Err, ErrCanceled)
	assert.Equal(t, 0, n.lastProgress())

	close(p.block)
	_, err = s.Synchronize(context.Background(), Options{Type: TypeFull})
	require.NoError(t, err)
}

func TestNewUnreadIsAnnounced(t *testing.T) {
	p := &fakeProvider{result: Result{NewUnread: []model.MailCopy{mail("1", "inbox")}}}
	n := &recordingNotifier{}
	s := newTestSynchronizer(p, n)

	res, err := s.Synchronize(context.Background(), Options{Type: TypeInbox})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, n.newMail, 1)
	assert.Equal(t, 1, n.unread)
}

func TestProfileRefreshSkipsQueue(t *testing.T) {
	p := &fakeProvider{}
	s := newTestSynchronizer(p, &recordingNotifier{})
	s.Queue(request.NewMarkRead(mail("1", "F"), true))

	res, err := s.Synchronize(context.Background(), Options{Type: TypeProfile})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, p.executed)
	assert.Empty(t, p.syncCalls())
	assert.Equal(t, 1, s.Pending())
}
