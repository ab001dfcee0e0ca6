package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

const user = "me"

// metadataHeaders are the header fields requested with every message
var metadataHeaders = []string{
	"From", "Subject", "Date", "Message-ID", "In-Reply-To", "References", "X-Mailsync-Draft-Id",
}

// api is the part of the Gmail REST surface the provider uses
type api interface {
	Profile(ctx context.Context) (*gmail.Profile, error)
	ListMessageIDs(ctx context.Context, fn func(ids []string) error) error
	ListHistory(ctx context.Context, startID uint64, fn func(*gmail.ListHistoryResponse) error) error
	GetMessage(ctx context.Context, id string) (*gmail.Message, error)
	ListLabels(ctx context.Context) ([]*gmail.Label, error)
	RenameLabel(ctx context.Context, id, name string) error
	BatchModify(ctx context.Context, ids, add, remove []string) error
	BatchDelete(ctx context.Context, ids []string) error
	CreateDraft(ctx context.Context, raw []byte) (*gmail.Draft, error)
	SendDraft(ctx context.Context, draftID string) (*gmail.Message, error)
	SendAs(ctx context.Context) ([]*gmail.SendAs, error)
}

// serviceAPI implements api over the generated client
type serviceAPI struct {
	svc *gmail.Service
}

func (a *serviceAPI) Profile(ctx context.Context) (*gmail.Profile, error) {
	return a.svc.Users.GetProfile(user).Context(ctx).Do()
}

func (a *serviceAPI) ListMessageIDs(ctx context.Context, fn func(ids []string) error) error {
	call := a.svc.Users.Messages.List(user).IncludeSpamTrash(true).MaxResults(500)
	return call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		ids := make([]string, 0, len(page.Messages))
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		return fn(ids)
	})
}

func (a *serviceAPI) ListHistory(ctx context.Context, startID uint64, fn func(*gmail.ListHistoryResponse) error) error {
	call := a.svc.Users.History.List(user).StartHistoryId(startID).MaxResults(500)
	return call.Pages(ctx, fn)
}

func (a *serviceAPI) GetMessage(ctx context.Context, id string) (*gmail.Message, error) {
	return a.svc.Users.Messages.Get(user, id).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
}

func (a *serviceAPI) ListLabels(ctx context.Context) ([]*gmail.Label, error) {
	resp, err := a.svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Labels, nil
}

func (a *serviceAPI) RenameLabel(ctx context.Context, id, name string) error {
	_, err := a.svc.Users.Labels.Patch(user, id, &gmail.Label{Name: name}).Context(ctx).Do()
	return err
}

func (a *serviceAPI) BatchModify(ctx context.Context, ids, add, remove []string) error {
	return a.svc.Users.Messages.BatchModify(user, &gmail.BatchModifyMessagesRequest{
		Ids:            ids,
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}).Context(ctx).Do()
}

func (a *serviceAPI) BatchDelete(ctx context.Context, ids []string) error {
	return a.svc.Users.Messages.BatchDelete(user, &gmail.BatchDeleteMessagesRequest{Ids: ids}).Context(ctx).Do()
}

func (a *serviceAPI) CreateDraft(ctx context.Context, raw []byte) (*gmail.Draft, error) {
	return a.svc.Users.Drafts.Create(user, &gmail.Draft{
		Message: &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)},
	}).Context(ctx).Do()
}

func (a *serviceAPI) SendDraft(ctx context.Context, draftID string) (*gmail.Message, error) {
	return a.svc.Users.Drafts.Send(user, &gmail.Draft{Id: draftID}).Context(ctx).Do()
}

func (a *serviceAPI) SendAs(ctx context.Context) ([]*gmail.SendAs, error) {
	resp, err := a.svc.Users.Settings.SendAs.List(user).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.SendAs, nil
}

func statusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// classify maps Gmail API errors onto the sync error taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}
	if statusCode(err) == http.StatusNotFound {
		return errors.Join(syncer.ErrEntityNotFound, err)
	}
	return err
}
