package outlook

import (
	"context"
	"fmt"

	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphgocore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mailsync/internal/mime"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

// batchResult is the answer to one step of a $batch request. A step Graph
// never answered has received unset.
type batchResult struct {
	id       string
	err      error
	received bool
}

// stepError is a failed step inside an otherwise delivered $batch
type stepError struct {
	status  int
	code    string
	message string
}

func (e *stepError) Error() string {
	if e.code == "" {
		return fmt.Sprintf("graph batch step failed with status %d", e.status)
	}
	return fmt.Sprintf("graph batch step failed with status %d: %s: %s", e.status, e.code, e.message)
}

func newStepError(item msgraphgocore.BatchItem) error {
	e := &stepError{status: int(*item.GetStatus())}
	if inner, ok := item.GetBody()["error"].(map[string]interface{}); ok {
		e.code = bodyString(inner["code"])
		e.message = bodyString(inner["message"])
	}
	return e
}

// bodyString reads a string out of a decoded batch response body
func bodyString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case *string:
		return deref(s)
	}
	return ""
}

func (a *sdkAPI) Batch(ctx context.Context, ops []op, chained bool) ([]batchResult, error) {
	adapter := a.client.GetAdapter()
	batch := msgraphgocore.NewBatchRequest(adapter)

	steps := make([]msgraphgocore.BatchItem, len(ops))
	for i, o := range ops {
		info, err := a.requestInfo(ctx, o)
		if err != nil {
			return nil, fmt.Errorf("build step %d: %w", i, err)
		}
		step, err := batch.AddBatchRequestStep(*info)
		if err != nil {
			return nil, fmt.Errorf("add step %d: %w", i, err)
		}
		if chained && i > 0 {
			step.DependsOnItem(steps[i-1])
		}
		steps[i] = step
	}

	resp, err := batch.Send(ctx, adapter)
	if err != nil {
		return nil, err
	}

	results := make([]batchResult, len(ops))
	for i, step := range steps {
		stepID := deref(step.GetId())
		item := resp.GetResponseById(stepID)
		if item == nil || item.GetStatus() == nil {
			continue
		}
		results[i].received = true
		if *item.GetStatus() >= 400 {
			results[i].err = newStepError(item)
			continue
		}
		if ops[i].kind == opMove || ops[i].kind == opCreateDraft {
			m, err := msgraphgocore.GetBatchResponseById[models.Messageable](resp, stepID, models.CreateMessageFromDiscriminatorValue)
			if err != nil {
				results[i].err = err
				continue
			}
			results[i].id = deref(m.GetId())
		}
	}
	return results, nil
}

// requestInfo builds the Graph request for one op without sending it
func (a *sdkAPI) requestInfo(ctx context.Context, o op) (*abstractions.RequestInformation, error) {
	switch o.kind {
	case opSetRead:
		body := models.NewMessage()
		body.SetIsRead(&o.value)
		return a.me().Messages().ByMessageId(o.id).ToPatchRequestInformation(ctx, body, nil)

	case opSetFlag:
		status := models.NOTFLAGGED_FOLLOWUPFLAGSTATUS
		if o.value {
			status = models.FLAGGED_FOLLOWUPFLAGSTATUS
		}
		flag := models.NewFollowupFlag()
		flag.SetFlagStatus(&status)
		body := models.NewMessage()
		body.SetFlag(flag)
		return a.me().Messages().ByMessageId(o.id).ToPatchRequestInformation(ctx, body, nil)

	case opMove:
		body := users.NewItemMessagesItemMovePostRequestBody()
		body.SetDestinationId(&o.destination)
		return a.me().Messages().ByMessageId(o.id).Move().ToPostRequestInformation(ctx, body, nil)

	case opPermanentDelete:
		return a.me().Messages().ByMessageId(o.id).PermanentDelete().ToPostRequestInformation(ctx, nil)

	case opCreateDraft:
		return a.me().Messages().ToPostRequestInformation(ctx, draftMessage(o), nil)

	case opSend:
		return a.me().Messages().ByMessageId(o.id).Send().ToPostRequestInformation(ctx, nil)

	case opRenameFolder:
		body := models.NewMailFolder()
		body.SetDisplayName(&o.name)
		return a.me().MailFolders().ByMailFolderId(o.id).ToPatchRequestInformation(ctx, body, nil)
	}
	return nil, syncer.ErrUnsupportedOperation
}

func draftMessage(o op) models.Messageable {
	d := o.draft
	msg := models.NewMessage()
	msg.SetSubject(&d.Subject)

	body := models.NewItemBody()
	contentType := models.TEXT_BODYTYPE
	body.SetContentType(&contentType)
	body.SetContent(&d.Body)
	msg.SetBody(body)

	msg.SetToRecipients(recipients(d.To))
	msg.SetCcRecipients(recipients(d.Cc))

	if o.correlation != "" {
		name, value := mime.CorrelationHeader, o.correlation
		h := models.NewInternetMessageHeader()
		h.SetName(&name)
		h.SetValue(&value)
		msg.SetInternetMessageHeaders([]models.InternetMessageHeaderable{h})
	}
	return msg
}

func (a *sdkAPI) WellKnownFolders(ctx context.Context, names []string) (map[string]string, error) {
	adapter := a.client.GetAdapter()
	batch := msgraphgocore.NewBatchRequest(adapter)

	steps := make([]msgraphgocore.BatchItem, len(names))
	for i, name := range names {
		info, err := a.me().MailFolders().ByMailFolderId(name).ToGetRequestInformation(ctx, nil)
		if err != nil {
			return nil, err
		}
		if steps[i], err = batch.AddBatchRequestStep(*info); err != nil {
			return nil, err
		}
	}

	resp, err := batch.Send(ctx, adapter)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(names))
	for i, step := range steps {
		item := resp.GetResponseById(deref(step.GetId()))
		if item == nil || item.GetStatus() == nil {
			return nil, fmt.Errorf("folder %s: no answer in batch", names[i])
		}
		switch status := *item.GetStatus(); {
		case status == 404:
			continue
		case status >= 400:
			return nil, fmt.Errorf("folder %s: %w", names[i], newStepError(item))
		}
		if id := bodyString(item.GetBody()["id"]); id != "" {
			ids[names[i]] = id
		}
	}
	return ids, nil
}
