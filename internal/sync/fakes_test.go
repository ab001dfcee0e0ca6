package sync

import (
	"context"
	"sync"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/request"
)

type recordingNotifier struct {
	mu       sync.Mutex
	progress []int
	states   []State
	unread   int
	newMail  []model.MailCopy
}

func (n *recordingNotifier) Progress(_ string, p int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
}

func (n *recordingNotifier) StateChanged(_ string, s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, s)
}

func (n *recordingNotifier) UnreadCountsChanged(string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unread++
}

func (n *recordingNotifier) NewMail(_ context.Context, _ string, items []model.MailCopy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.newMail = append(n.newMail, items...)
}

func (n *recordingNotifier) lastProgress() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.progress[len(n.progress)-1]
}

type recordingUI struct {
	mu       sync.Mutex
	applied  []string
	reverted []string
}

func (u *recordingUI) ApplyUIChange(_ string, r request.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.applied = append(u.applied, r.ID())
}

func (u *recordingUI) RevertUIChange(_ string, r request.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reverted = append(u.reverted, r.ID())
}

type fakeProvider struct {
	mu         sync.Mutex
	executed   [][]request.Request
	syncs      []Options
	execErr    error
	syncErr    error
	result     Result
	block      chan struct{}
	running    int
	maxRunning int
	closed     bool
	// closedWhileRunning is set when Close ran during a Synchronize call
	closedWhileRunning bool
}

func (p *fakeProvider) ExecuteRequests(_ context.Context, reqs []request.Request) ([]Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed = append(p.executed, reqs)
	outcomes := make([]Outcome, len(reqs))
	for i, r := range reqs {
		outcomes[i] = Outcome{Request: r, Err: p.execErr}
	}
	return outcomes, p.execErr
}

func (p *fakeProvider) Synchronize(ctx context.Context, opts Options, progress ProgressFunc) (Result, error) {
	p.mu.Lock()
	p.syncs = append(p.syncs, opts)
	p.running++
	if p.running > p.maxRunning {
		p.maxRunning = p.running
	}
	block := p.block
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	progress(50)
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.syncErr
}

func (p *fakeProvider) SynchronizeProfile(context.Context) error { return nil }
func (p *fakeProvider) SynchronizeAliases(context.Context) error { return nil }

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closedWhileRunning = p.running > 0
	return nil
}

func (p *fakeProvider) syncCalls() []Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Options(nil), p.syncs...)
}

func mail(copyID, folderID string) model.MailCopy {
	return model.MailCopy{CopyID: copyID, AccountID: "acc", FolderID: folderID, RemoteID: "r" + copyID}
}
