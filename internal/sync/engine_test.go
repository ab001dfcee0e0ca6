package sync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/request"
)

// idNative batches remote ids; each bundle carries all ids of its group
type idNative struct {
	mu         sync.Mutex
	prepareErr map[string]error
	execErr    error
	reply      func(i int, b *Bundle[[]string]) Reply[string]
	calls      [][]*Bundle[[]string]
	succeeded  []string
	failed     []string
}

func (n *idNative) Prepare(_ context.Context, r request.Request) ([]string, error) {
	if err := n.prepareErr[r.ID()]; err != nil {
		return nil, err
	}
	return []string{r.(request.MailRequest).Mail().RemoteID}, nil
}

func (n *idNative) Merge(group []Prepared[[]string]) []*Bundle[[]string] {
	b := &Bundle[[]string]{}
	for _, p := range group {
		b.Requests = append(b.Requests, p.Request)
		b.Native = append(b.Native, p.Native...)
	}
	return []*Bundle[[]string]{b}
}

func (n *idNative) Execute(_ context.Context, bundles []*Bundle[[]string]) ([]Reply[string], error) {
	n.mu.Lock()
	n.calls = append(n.calls, bundles)
	n.mu.Unlock()

	if n.execErr != nil {
		return nil, n.execErr
	}
	replies := make([]Reply[string], 0, len(bundles))
	for i, b := range bundles {
		if n.reply != nil {
			replies = append(replies, n.reply(i, b))
			continue
		}
		replies = append(replies, Reply[string]{Value: "ok", Received: true})
	}
	return replies, nil
}

func (n *idNative) Succeeded(_ context.Context, b *Bundle[[]string], _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.succeeded = append(n.succeeded, b.Native...)
	return nil
}

func (n *idNative) Failed(_ context.Context, b *Bundle[[]string], _ error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, b.Native...)
	return errors.New("rollback failures are only logged")
}

func newTestEngine(n *idNative, ui *recordingUI) *Engine[[]string, string] {
	return NewEngine[[]string, string]("acc", n, EngineConfig{UI: ui, Logger: zerolog.Nop()})
}

func TestEngineMergesGroupIntoOneCall(t *testing.T) {
	n := &idNative{}
	ui := &recordingUI{}
	a := request.NewMarkRead(mail("1", "F"), true)
	b := request.NewMarkRead(mail("2", "F"), true)

	outcomes, err := newTestEngine(n, ui).Run(context.Background(), []request.Request{a, b})
	require.NoError(t, err)

	require.Len(t, n.calls, 1)
	require.Len(t, n.calls[0], 1)
	assert.Equal(t, []string{"r1", "r2"}, n.calls[0][0].Native)
	assert.ElementsMatch(t, []string{"r1", "r2"}, n.succeeded)
	assert.True(t, outcomes[0].Succeeded())
	assert.True(t, outcomes[1].Succeeded())
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, ui.applied)
	assert.Empty(t, ui.reverted)
}

func TestEnginePrepareFailureIsIsolated(t *testing.T) {
	bad := request.NewMove(mail("1", "F"), model.Folder{ID: "F"}, model.Folder{ID: "F"})
	good := request.NewMarkRead(mail("2", "F"), true)
	n := &idNative{prepareErr: map[string]error{bad.ID(): ErrInvalidMoveTarget}}
	ui := &recordingUI{}

	outcomes, err := newTestEngine(n, ui).Run(context.Background(), []request.Request{bad, good})
	require.NoError(t, err)

	assert.ErrorIs(t, outcomes[0].Err, ErrInvalidMoveTarget)
	var reqErr *RequestError
	require.ErrorAs(t, outcomes[0].Err, &reqErr)
	assert.Equal(t, bad.ID(), reqErr.Request.ID())
	assert.True(t, outcomes[1].Succeeded())
	assert.Equal(t, []string{good.ID()}, ui.applied)
}

func TestEngineBatchFailureRollsBackEverything(t *testing.T) {
	boom := errors.New("connection reset")
	n := &idNative{execErr: boom}
	ui := &recordingUI{}
	reqs := []request.Request{
		request.NewMarkRead(mail("1", "F"), true),
		request.NewChangeFlag(mail("2", "F"), true),
	}

	outcomes, err := newTestEngine(n, ui).Run(context.Background(), reqs)
	require.ErrorIs(t, err, boom)

	for _, o := range outcomes {
		assert.ErrorIs(t, o.Err, boom)
	}
	assert.ElementsMatch(t, []string{"r1", "r2"}, n.failed)
	assert.ElementsMatch(t, ui.applied, ui.reverted)
	assert.Empty(t, n.succeeded)
}

func TestEngineMissingAndFailedReplies(t *testing.T) {
	rejected := errors.New("quota exceeded")
	n := &idNative{reply: func(i int, b *Bundle[[]string]) Reply[string] {
		switch b.Native[0] {
		case "r1":
			return Reply[string]{}
		case "r2":
			return Reply[string]{Err: rejected, Received: true}
		default:
			return Reply[string]{Err: ErrEntityNotFound, Received: true}
		}
	}}
	ui := &recordingUI{}
	reqs := []request.Request{
		request.NewMarkRead(mail("1", "A"), true),
		request.NewMarkRead(mail("2", "B"), true),
		request.NewHardDelete(mail("3", "C")),
	}

	outcomes, err := newTestEngine(n, ui).Run(context.Background(), reqs)
	require.NoError(t, err)

	assert.ErrorIs(t, outcomes[0].Err, ErrNoResponse)
	assert.ErrorIs(t, outcomes[1].Err, rejected)
	assert.True(t, outcomes[2].Succeeded())
	assert.Equal(t, []string{"r3"}, n.succeeded)
	assert.ElementsMatch(t, []string{"r1", "r2"}, n.failed)
	assert.ElementsMatch(t, []string{reqs[0].ID(), reqs[1].ID()}, ui.reverted)
}

func TestEngineDispatchesUIChanges(t *testing.T) {
	var dispatched int
	n := &idNative{}
	ui := &recordingUI{}
	e := NewEngine[[]string, string]("acc", n, EngineConfig{
		UI:       ui,
		Dispatch: func(fn func()) { dispatched++; fn() },
		Logger:   zerolog.Nop(),
	})

	_, err := e.Run(context.Background(), []request.Request{request.NewMarkRead(mail("1", "F"), true)})
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	assert.Len(t, ui.applied, 1)
}
