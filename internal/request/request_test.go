package request

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
)

type folderMap map[string]model.Folder

func (m folderMap) Folder(_ context.Context, id string) (model.Folder, error) {
	f, ok := m[id]
	if !ok {
		return model.Folder{}, model.ErrNotFound
	}
	return f, nil
}

func testFolders() folderMap {
	return folderMap{
		"inbox":  {ID: "inbox", AccountID: "acc", Name: "Inbox", Special: model.FolderInbox},
		"trash":  {ID: "trash", AccountID: "acc", Name: "Trash", Special: model.FolderTrash},
		"drafts": {ID: "drafts", AccountID: "acc", Name: "Drafts", Special: model.FolderDrafts},
		"work":   {ID: "work", AccountID: "acc", Name: "Work"},
		"other":  {ID: "other", AccountID: "acc2", Name: "Other"},
	}
}

func item(copyID, folderID string) model.MailCopy {
	return model.MailCopy{CopyID: copyID, AccountID: "acc", FolderID: folderID, RemoteID: "r-" + copyID}
}

func TestGroupMergesSameKey(t *testing.T) {
	a := NewMarkRead(item("1", "inbox"), true)
	b := NewChangeFlag(item("2", "inbox"), true)
	c := NewMarkRead(item("3", "inbox"), true)
	d := NewMarkRead(item("4", "inbox"), false)

	groups := Group([]Request{a, b, c, d})
	require.Len(t, groups, 3)
	assert.Equal(t, []Request{a, c}, groups[0])
	assert.Equal(t, []Request{b}, groups[1])
	assert.Equal(t, []Request{d}, groups[2])
}

func TestMaxDelayAndAffectedFolders(t *testing.T) {
	reqs := []Request{
		NewSendDraft(item("1", "drafts"), 2*time.Second),
		NewSendDraft(item("2", "drafts"), 5*time.Second),
		NewMove(item("3", "inbox"), testFolders()["inbox"], testFolders()["work"]),
		NewRenameFolder(testFolders()["work"], "Jobs"),
	}

	assert.Equal(t, 5*time.Second, MaxDelay(reqs))
	assert.Equal(t, []string{"drafts", "inbox", "work"}, AffectedFolders(reqs))
}

func TestSoftDeleteInTrashEscalates(t *testing.T) {
	b := &Builder{Folders: testFolders()}

	reqs, err := b.Build(context.Background(), Operation{
		Action: ActionSoftDelete,
		Items:  []model.MailCopy{item("1", "trash"), item("2", "inbox")},
	})
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, KindHardDelete, reqs[0].Kind())
	assert.Equal(t, KindDelete, reqs[1].Kind())
}

func TestDeleteDrafts(t *testing.T) {
	b := &Builder{Folders: testFolders()}

	draft := item("1", "drafts")
	draft.IsDraft = true
	local := item("2", "drafts")
	local.IsDraft = true
	local.IsLocalDraft = true

	reqs, err := b.Build(context.Background(), Operation{
		Action: ActionSoftDelete,
		Items:  []model.MailCopy{draft, local},
	})
	require.NoError(t, err)
	assert.Equal(t, KindHardDelete, reqs[0].Kind())
	assert.Equal(t, KindDiscardLocalDraft, reqs[1].Kind())
}

func TestToggleResolvesAgainstState(t *testing.T) {
	b := &Builder{Folders: testFolders()}

	read := item("1", "inbox")
	read.IsRead = true
	flagged := item("2", "inbox")
	flagged.IsFlagged = true

	reqs, err := b.Build(context.Background(), Operation{Action: ActionToggleRead, Items: []model.MailCopy{read, item("3", "inbox")}})
	require.NoError(t, err)
	assert.False(t, reqs[0].(MarkRead).Read)
	assert.True(t, reqs[1].(MarkRead).Read)

	reqs, err = b.Build(context.Background(), Operation{Action: ActionToggleFlag, Items: []model.MailCopy{flagged}})
	require.NoError(t, err)
	assert.False(t, reqs[0].(ChangeFlag).Flagged)
}

func TestMoveWithoutTargetWaitsForPicker(t *testing.T) {
	picked := make(chan *model.Folder, 1)
	b := &Builder{
		Folders: testFolders(),
		Pick: func(ctx context.Context, _ string, _ []model.MailCopy) (*model.Folder, error) {
			select {
			case f := <-picked:
				return f, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	work := testFolders()["work"]
	go func() { picked <- &work }()

	reqs, err := b.Build(context.Background(), Operation{Action: ActionMove, Items: []model.MailCopy{item("1", "inbox")}})
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	mv := reqs[0].(Move)
	assert.Equal(t, "inbox", mv.From.ID)
	assert.Equal(t, "work", mv.To.ID)

	picked <- nil
	reqs, err = b.Build(context.Background(), Operation{Action: ActionMove, Items: []model.MailCopy{item("1", "inbox")}})
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestMoveTargetValidation(t *testing.T) {
	b := &Builder{Folders: testFolders()}
	ctx := context.Background()

	for _, target := range []string{"inbox", "drafts", "other", "missing"} {
		_, err := b.Build(ctx, Operation{Action: ActionMove, Items: []model.MailCopy{item("1", "inbox")}, TargetFolderID: target})
		assert.ErrorIs(t, err, ErrInvalidMoveTarget, target)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	orig := NewMove(item("1", "inbox"), testFolders()["inbox"], testFolders()["work"])

	data, err := Marshal(orig)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, orig, got)

	_, err = Unmarshal([]byte(`{"kind":"nope","payload":{}}`))
	assert.Error(t, err)
}
