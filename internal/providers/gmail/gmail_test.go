package gmail

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

type modifyCall struct {
	ids, add, remove []string
}

type fakeAPI struct {
	mu         sync.Mutex
	historyID  uint64
	labels     []*gmail.Label
	messages   map[string]*gmail.Message
	history    []*gmail.History
	historyErr error
	fetched    []string
	modified   []modifyCall
	deleted    [][]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		historyID: 100,
		labels: []*gmail.Label{
			{Id: "INBOX", Name: "INBOX", Type: "system"},
			{Id: "TRASH", Name: "TRASH", Type: "system"},
			{Id: "UNREAD", Name: "UNREAD", Type: "system"},
			{Id: "Label_1", Name: "Work", Type: "user"},
			{Id: "Label_2", Name: "Work/Reports", Type: "user"},
		},
		messages: map[string]*gmail.Message{},
	}
}

func (f *fakeAPI) Profile(context.Context) (*gmail.Profile, error) {
	return &gmail.Profile{EmailAddress: "me@example.com", HistoryId: f.historyID}, nil
}

func (f *fakeAPI) ListMessageIDs(_ context.Context, fn func([]string) error) error {
	var ids []string
	for id := range f.messages {
		ids = append(ids, id)
	}
	return fn(ids)
}

func (f *fakeAPI) ListHistory(_ context.Context, start uint64, fn func(*gmail.ListHistoryResponse) error) error {
	if f.historyErr != nil {
		return f.historyErr
	}
	return fn(&gmail.ListHistoryResponse{History: f.history, HistoryId: f.historyID})
}

func (f *fakeAPI) GetMessage(_ context.Context, id string) (*gmail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	m, ok := f.messages[id]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound}
	}
	return m, nil
}

func (f *fakeAPI) ListLabels(context.Context) ([]*gmail.Label, error) { return f.labels, nil }
func (f *fakeAPI) RenameLabel(context.Context, string, string) error { return nil }

func (f *fakeAPI) BatchModify(_ context.Context, ids, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified = append(f.modified, modifyCall{ids, add, remove})
	return nil
}

func (f *fakeAPI) BatchDelete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids)
	return nil
}

func (f *fakeAPI) CreateDraft(context.Context, []byte) (*gmail.Draft, error) {
	return &gmail.Draft{Id: "d-1", Message: &gmail.Message{Id: "m-draft"}}, nil
}

func (f *fakeAPI) SendDraft(context.Context, string) (*gmail.Message, error) {
	return &gmail.Message{Id: "m-sent"}, nil
}

func (f *fakeAPI) SendAs(context.Context) ([]*gmail.SendAs, error) {
	return []*gmail.SendAs{
		{SendAsEmail: "me@example.com", DisplayName: "Me", IsPrimary: true},
		{SendAsEmail: "alias@example.com"},
	}, nil
}

func message(id string, labels ...string) *gmail.Message {
	return &gmail.Message{
		Id:       id,
		ThreadId: "t-" + id,
		LabelIds: labels,
		Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
			{Name: "Subject", Value: "subject " + id},
			{Name: "From", Value: "sender@example.com"},
		}},
	}
}

func setup(t *testing.T) (*Provider, *fakeAPI, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	account := model.Account{ID: "a1", Address: "me@example.com", Provider: model.ProviderGmail}
	require.NoError(t, store.CreateAccount(context.Background(), account))

	api := newFakeAPI()
	p := newProvider(account, api, store, Config{Engine: syncer.EngineConfig{Logger: zerolog.Nop()}})
	return p, api, store
}

func folder(t *testing.T, store *sqlite.Store, remoteID string) model.Folder {
	t.Helper()
	f, err := store.FolderByRemoteID(context.Background(), "a1", remoteID)
	require.NoError(t, err)
	return f
}

func TestInitialSyncStoresCopyPerLabel(t *testing.T) {
	ctx := context.Background()
	p, api, store := setup(t)
	api.messages["m1"] = message("m1", "INBOX", "UNREAD", "Label_1")
	api.messages["m2"] = message("m2", "Label_1")

	res, err := p.Synchronize(ctx, syncer.Options{Type: syncer.TypeFull}, nil)
	require.NoError(t, err)
	assert.Equal(t, syncer.StatusCompleted, res.Status)
	require.Len(t, res.NewUnread, 1)
	assert.Equal(t, "m1", res.NewUnread[0].RemoteID)

	copies, err := store.CopiesByRemoteID(ctx, "a1", "m1")
	require.NoError(t, err)
	assert.Len(t, copies, 2)
	assert.Equal(t, "subject m1", copies[0].Subject)

	account, err := store.Account(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "100", account.SyncCursor)

	reports := folder(t, store, "Label_2")
	assert.Equal(t, "Reports", reports.Name)
	assert.Equal(t, "Label_1", reports.ParentRemoteID)

	_, err = store.FolderByRemoteID(ctx, "a1", "UNREAD")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestHistorySkipsMessagesDeletedInSamePass(t *testing.T) {
	ctx := context.Background()
	p, api, store := setup(t)
	require.NoError(t, store.SaveAccountCursor(ctx, "a1", "90"))

	api.messages["M"] = message("M", "INBOX")
	api.messages["N"] = message("N", "INBOX", "UNREAD")
	api.history = []*gmail.History{
		{Id: 91, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "M"}}}},
		{Id: 92, MessagesAdded: []*gmail.HistoryMessageAdded{{Message: &gmail.Message{Id: "N"}}}},
		{Id: 95, MessagesDeleted: []*gmail.HistoryMessageDeleted{{Message: &gmail.Message{Id: "M"}}}},
	}
	api.historyID = 96

	res, err := p.Synchronize(ctx, syncer.Options{Type: syncer.TypeInbox}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"N"}, api.fetched)
	assert.Len(t, res.NewUnread, 1)

	account, err := store.Account(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "96", account.SyncCursor)
}

func TestHistoryReplaysLabelChanges(t *testing.T) {
	ctx := context.Background()
	p, api, store := setup(t)
	api.messages["m1"] = message("m1", "INBOX", "UNREAD", "Label_2")
	_, err := p.Synchronize(ctx, syncer.Options{Type: syncer.TypeFull}, nil)
	require.NoError(t, err)

	api.fetched = nil
	api.history = []*gmail.History{
		{Id: 101, LabelsRemoved: []*gmail.HistoryLabelRemoved{{Message: &gmail.Message{Id: "m1"}, LabelIds: []string{"UNREAD"}}}},
		{Id: 102, LabelsAdded: []*gmail.HistoryLabelAdded{{Message: &gmail.Message{Id: "m1"}, LabelIds: []string{"UNREAD"}}}},
		{Id: 103, LabelsRemoved: []*gmail.HistoryLabelRemoved{{Message: &gmail.Message{Id: "m1"}, LabelIds: []string{"UNREAD", "INBOX"}}}},
		{Id: 104, LabelsAdded: []*gmail.HistoryLabelAdded{{Message: &gmail.Message{Id: "m1"}, LabelIds: []string{"Label_1", "STARRED"}}}},
	}
	api.historyID = 104

	_, err = p.Synchronize(ctx, syncer.Options{Type: syncer.TypeFull}, nil)
	require.NoError(t, err)
	assert.Empty(t, api.fetched)

	copies, err := store.CopiesByRemoteID(ctx, "a1", "m1")
	require.NoError(t, err)
	require.Len(t, copies, 2)
	var folders []string
	for _, c := range copies {
		folders = append(folders, c.FolderID)
		assert.True(t, c.IsRead)
		assert.True(t, c.IsFlagged)
	}
	assert.ElementsMatch(t, []string{folder(t, store, "Label_1").ID, folder(t, store, "Label_2").ID}, folders)
}

func TestExpiredHistoryRunsOneFullResync(t *testing.T) {
	ctx := context.Background()
	p, api, store := setup(t)
	require.NoError(t, store.SaveAccountCursor(ctx, "a1", "5"))
	api.historyErr = &googleapi.Error{Code: http.StatusNotFound}
	api.messages["m1"] = message("m1", "INBOX")

	res, err := p.Synchronize(ctx, syncer.Options{Type: syncer.TypeFull}, nil)
	require.NoError(t, err)
	assert.Equal(t, syncer.StatusCompleted, res.Status)
	assert.Equal(t, []string{"m1"}, api.fetched)

	account, err := store.Account(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "100", account.SyncCursor)
}

func TestMarkReadRequestsShareOneBatchCall(t *testing.T) {
	ctx := context.Background()
	p, api, store := setup(t)
	api.messages["m1"] = message("m1", "INBOX", "UNREAD")
	api.messages["m2"] = message("m2", "INBOX", "UNREAD")
	_, err := p.Synchronize(ctx, syncer.Options{Type: syncer.TypeFull}, nil)
	require.NoError(t, err)

	inbox := folder(t, store, "INBOX")
	c1, err := store.CopyInFolder(ctx, inbox.ID, "m1")
	require.NoError(t, err)
	c2, err := store.CopyInFolder(ctx, inbox.ID, "m2")
	require.NoError(t, err)

	outcomes, err := p.ExecuteRequests(ctx, []request.Request{
		request.NewMarkRead(c1, true),
		request.NewMarkRead(c2, true),
	})
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.True(t, o.Succeeded())
	}

	require.Len(t, api.modified, 1)
	assert.ElementsMatch(t, []string{"m1", "m2"}, api.modified[0].ids)
	assert.Equal(t, []string{"UNREAD"}, api.modified[0].remove)

	unread, err := store.UnreadCount(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestDeleteMovesCopyToTrash(t *testing.T) {
	ctx := context.Background()
	p, api, store := setup(t)
	api.messages["m1"] = message("m1", "INBOX")
	_, err := p.Synchronize(ctx, syncer.Options{Type: syncer.TypeFull}, nil)
	require.NoError(t, err)

	inbox := folder(t, store, "INBOX")
	c, err := store.CopyInFolder(ctx, inbox.ID, "m1")
	require.NoError(t, err)

	_, err = p.ExecuteRequests(ctx, []request.Request{request.NewDelete(c)})
	require.NoError(t, err)

	require.Len(t, api.modified, 1)
	assert.Equal(t, []string{"TRASH"}, api.modified[0].add)
	assert.Equal(t, []string{"INBOX"}, api.modified[0].remove)

	_, folderID, err := store.CopyLocation(ctx, c.CopyID)
	require.NoError(t, err)
	assert.Equal(t, folder(t, store, "TRASH").ID, folderID)
}

func TestRenameSystemLabelFailsPreparation(t *testing.T) {
	ctx := context.Background()
	p, api, store := setup(t)
	_, err := p.Synchronize(ctx, syncer.Options{Type: syncer.TypeFoldersOnly}, nil)
	require.NoError(t, err)

	outcomes, err := p.ExecuteRequests(ctx, []request.Request{
		request.NewRenameFolder(folder(t, store, "INBOX"), "Box"),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.ErrorIs(t, outcomes[0].Err, syncer.ErrUnsupportedOperation)
	assert.Empty(t, api.modified)
}

func TestSynchronizeAliasesAndProfile(t *testing.T) {
	ctx := context.Background()
	p, _, store := setup(t)

	require.NoError(t, p.SynchronizeAliases(ctx))
	require.NoError(t, p.SynchronizeProfile(ctx))

	aliases, err := store.Aliases(ctx, "a1")
	require.NoError(t, err)
	assert.Len(t, aliases, 2)

	account, err := store.Account(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Me", account.DisplayName)
}

func TestFullResyncAddsNoDuplicates(t *testing.T) {
	ctx := context.Background()
	p, api, store := setup(t)
	api.messages["m1"] = message("m1", "INBOX", "UNREAD", "Label_1")
	api.messages["m2"] = message("m2", "Label_2")
	_, err := p.Synchronize(ctx, syncer.Options{Type: syncer.TypeFull}, nil)
	require.NoError(t, err)

	before, err := store.CopyCount(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 3, before)

	require.NoError(t, store.SaveAccountCursor(ctx, "a1", ""))
	api.fetched = nil
	api.messages["m3"] = message("m3", "INBOX")

	res, err := p.Synchronize(ctx, syncer.Options{Type: syncer.TypeFull}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.NewUnread)
	assert.Equal(t, []string{"m3"}, api.fetched)

	after, err := store.CopyCount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	copies, err := store.CopiesByRemoteID(ctx, "a1", "m1")
	require.NoError(t, err)
	assert.Len(t, copies, 2)
}
