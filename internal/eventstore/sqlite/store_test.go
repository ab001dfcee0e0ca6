package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store, id string) model.Account {
	t.Helper()
	a := model.Account{ID: id, Address: id + "@example.com", Provider: model.ProviderIMAP, Status: "IDLE"}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func seedFolder(t *testing.T, s *Store, accountID, remoteID string, kind model.SpecialFolder) model.Folder {
	t.Helper()
	f, err := s.UpsertFolder(context.Background(), model.Folder{
		AccountID: accountID, RemoteID: remoteID, Name: remoteID, Special: kind, Enabled: true,
	})
	require.NoError(t, err)
	return f
}

func TestAccountCursorAndProfile(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedAccount(t, s, "a1")

	require.NoError(t, s.SaveAccountCursor(ctx, "a1", "12345"))
	require.NoError(t, s.UpdateProfile(ctx, "a1", "Alice", ""))

	a, err := s.Account(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "12345", a.SyncCursor)
	assert.Equal(t, "Alice", a.DisplayName)
	assert.Equal(t, "a1@example.com", a.Address)

	_, err = s.Account(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpsertFolderKeepsSyncState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedAccount(t, s, "a1")

	f := seedFolder(t, s, "a1", "INBOX", model.FolderInbox)
	require.NoError(t, s.SaveFolderIMAPState(ctx, f.ID, 7, 42))

	again, err := s.UpsertFolder(ctx, model.Folder{AccountID: "a1", RemoteID: "INBOX", Name: "Inbox", Special: model.FolderInbox})
	require.NoError(t, err)
	assert.Equal(t, f.ID, again.ID)
	assert.Equal(t, "Inbox", again.Name)
	assert.Equal(t, uint32(7), again.UIDValidity)
	assert.Equal(t, uint64(42), again.HighestModSeq)

	special, err := s.SpecialFolder(ctx, "a1", model.FolderInbox)
	require.NoError(t, err)
	assert.Equal(t, f.ID, special.ID)
}

func TestInsertCopyIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedAccount(t, s, "a1")
	f := seedFolder(t, s, "a1", "INBOX", model.FolderInbox)

	inserted, err := s.InsertCopy(ctx, model.MailCopy{AccountID: "a1", FolderID: f.ID, RemoteID: "m1"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertCopy(ctx, model.MailCopy{AccountID: "a1", FolderID: f.ID, RemoteID: "m1"})
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CopyCount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFlagUpdatesAreAccountScoped(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedAccount(t, s, "a1")
	seedAccount(t, s, "a2")
	f1 := seedFolder(t, s, "a1", "INBOX", model.FolderInbox)
	f2 := seedFolder(t, s, "a2", "INBOX", model.FolderInbox)

	for _, c := range []model.MailCopy{
		{AccountID: "a1", FolderID: f1.ID, RemoteID: "m1"},
		{AccountID: "a1", FolderID: f1.ID, RemoteID: "m2"},
		{AccountID: "a2", FolderID: f2.ID, RemoteID: "m1"},
	} {
		_, err := s.InsertCopy(ctx, c)
		require.NoError(t, err)
	}

	n, err := s.SetReadByRemoteID(ctx, "a1", []string{"m1", "m2"}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	unread, err := s.UnreadCount(ctx, f1.ID)
	require.NoError(t, err)
	assert.Zero(t, unread)

	unread, err = s.UnreadCount(ctx, f2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, unread)

	n, err = s.SetFlaggedByRemoteID(ctx, "a1", nil, true)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMoveAndDeleteCopies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedAccount(t, s, "a1")
	inbox := seedFolder(t, s, "a1", "INBOX", model.FolderInbox)
	archive := seedFolder(t, s, "a1", "Archive", model.FolderArchive)

	_, err := s.InsertCopy(ctx, model.MailCopy{CopyID: "c1", AccountID: "a1", FolderID: inbox.ID, RemoteID: "m1"})
	require.NoError(t, err)

	require.NoError(t, s.MoveCopy(ctx, "a1", "c1", archive.ID, "m1-new"))
	accountID, folderID, err := s.CopyLocation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a1", accountID)
	assert.Equal(t, archive.ID, folderID)

	c, err := s.CopyInFolder(ctx, archive.ID, "m1-new")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.CopyID)

	n, err := s.DeleteByRemoteID(ctx, "a1", []string{"m1-new"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, _, err = s.CopyLocation(ctx, "c1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestResetFolderDiscardsKnownUIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedAccount(t, s, "a1")
	f := seedFolder(t, s, "a1", "INBOX", model.FolderInbox)
	require.NoError(t, s.SaveFolderIMAPState(ctx, f.ID, 1, 10))

	for _, uid := range []string{"1", "2", "3"} {
		_, err := s.InsertCopy(ctx, model.MailCopy{AccountID: "a1", FolderID: f.ID, RemoteID: uid})
		require.NoError(t, err)
	}
	_, err := s.InsertCopy(ctx, model.MailCopy{AccountID: "a1", FolderID: f.ID, IsDraft: true, IsLocalDraft: true})
	require.NoError(t, err)

	uids, err := s.KnownUIDs(ctx, f.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{1, 2, 3}, uids)

	require.NoError(t, s.ResetFolder(ctx, f.ID))

	uids, err = s.KnownUIDs(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, uids)

	reset, err := s.Folder(ctx, f.ID)
	require.NoError(t, err)
	assert.Zero(t, reset.UIDValidity)
	assert.Zero(t, reset.HighestModSeq)

	n, err := s.CopyCount(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "local drafts survive a folder reset")
}

func TestAttachRemoteDraft(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedAccount(t, s, "a1")
	drafts := seedFolder(t, s, "a1", "Drafts", model.FolderDrafts)

	_, err := s.InsertCopy(ctx, model.MailCopy{
		CopyID: "local", AccountID: "a1", FolderID: drafts.ID,
		IsDraft: true, IsLocalDraft: true, DraftCorrelationID: "corr-1",
	})
	require.NoError(t, err)

	d, err := s.DraftByCorrelationID(ctx, "a1", "corr-1")
	require.NoError(t, err)
	require.NoError(t, s.AttachRemoteDraft(ctx, "a1", d.CopyID, "", "r-1", "d-1"))

	c, err := s.Copy(ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, "r-1", c.RemoteID)
	assert.Equal(t, "d-1", c.RemoteDraftID)
	assert.False(t, c.IsLocalDraft)
	assert.Equal(t, drafts.ID, c.FolderID)
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.AppendOutbox(ctx,
		OutboxEntry{Subject: "mail.a1.new", EventType: "new_mail", Payload: []byte(`{}`), MsgID: "e1"},
		OutboxEntry{Subject: "mail.a1.new", EventType: "new_mail", Payload: []byte(`{}`), MsgID: "e2"},
	))

	msgs, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, s.MarkPublished(ctx, msgs[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, msgs[1].ID, time.Hour))

	msgs, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestReplaceAliases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedAccount(t, s, "a1")

	require.NoError(t, s.ReplaceAliases(ctx, "a1", []model.Alias{{Address: "old@example.com"}}))
	require.NoError(t, s.ReplaceAliases(ctx, "a1", []model.Alias{
		{Address: "b@example.com"},
		{Address: "a1@example.com", IsPrimary: true},
	}))

	aliases, err := s.Aliases(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, aliases, 2)
	assert.Equal(t, "a1@example.com", aliases[0].Address)
	assert.True(t, aliases[0].IsPrimary)
}
