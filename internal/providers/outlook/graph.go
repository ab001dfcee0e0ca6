package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/model"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

var graphScopes = []string{"https://graph.microsoft.com/.default"}

// wellKnownFolders maps Graph well-known folder names to folder roles
var wellKnownFolders = map[string]model.SpecialFolder{
	"inbox":        model.FolderInbox,
	"sentitems":    model.FolderSent,
	"drafts":       model.FolderDrafts,
	"deleteditems": model.FolderTrash,
	"junkemail":    model.FolderJunk,
	"archive":      model.FolderArchive,
}

var messageFields = []string{
	"id", "conversationId", "subject", "from", "bodyPreview", "receivedDateTime",
	"isRead", "isDraft", "flag", "internetMessageId",
}

type remoteFolder struct {
	id       string
	parentID string
	name     string
	removed  bool
}

type header struct {
	name, value string
}

type remoteMessage struct {
	id             string
	conversationID string
	subject        string
	from           string
	preview        string
	isRead         bool
	flagged        bool
	isDraft        bool
	removed        bool
	received       time.Time
	headers        []header
}

type profile struct {
	displayName string
	address     string
	aliases     []string
}

// deltaPage is one page of a delta query
type deltaPage[T any] struct {
	items     []T
	nextLink  string
	deltaLink string
}

// graphAPI is the part of Microsoft Graph the provider uses
type graphAPI interface {
	Profile(ctx context.Context) (profile, error)
	// WellKnownFolders resolves well-known folder names to remote ids in one
	// round trip. Names the mailbox lacks are left out.
	WellKnownFolders(ctx context.Context, names []string) (map[string]string, error)
	// FolderDelta starts a delta listing when link is empty, otherwise it
	// follows the next or delta link
	FolderDelta(ctx context.Context, link string) (deltaPage[remoteFolder], error)
	MessageDelta(ctx context.Context, folderID, link string) (deltaPage[remoteMessage], error)
	GetMessage(ctx context.Context, id string) (remoteMessage, error)
	// Batch sends ops as one $batch request, each step depending on the one
	// before it when chained. Results follow op order.
	Batch(ctx context.Context, ops []op, chained bool) ([]batchResult, error)
}

// tokenCredential adapts an oauth2 token source to the azcore credential
// the Graph client expects
type tokenCredential struct {
	ts oauth2.TokenSource
}

func (c *tokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

// sdkAPI implements graphAPI with the generated Graph client
type sdkAPI struct {
	client *msgraphsdk.GraphServiceClient
	user   string
}

func newSDKAPI(ts oauth2.TokenSource, user string) (*sdkAPI, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&tokenCredential{ts: ts}, graphScopes)
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &sdkAPI{client: client, user: user}, nil
}

func (a *sdkAPI) me() *users.UserItemRequestBuilder {
	return a.client.Users().ByUserId(a.user)
}

func (a *sdkAPI) Profile(ctx context.Context) (profile, error) {
	u, err := a.me().Get(ctx, &users.UserItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UserItemRequestBuilderGetQueryParameters{
			Select: []string{"displayName", "mail", "userPrincipalName", "proxyAddresses"},
		},
	})
	if err != nil {
		return profile{}, err
	}

	p := profile{displayName: deref(u.GetDisplayName()), address: deref(u.GetMail())}
	if p.address == "" {
		p.address = deref(u.GetUserPrincipalName())
	}
	for _, proxy := range u.GetProxyAddresses() {
		// SMTP: marks the primary address, smtp: the secondary ones
		if addr, ok := strings.CutPrefix(strings.ToLower(proxy), "smtp:"); ok {
			p.aliases = append(p.aliases, addr)
		}
	}
	return p, nil
}

func (a *sdkAPI) FolderDelta(ctx context.Context, link string) (deltaPage[remoteFolder], error) {
	builder := a.me().MailFolders().Delta()
	if link != "" {
		builder = builder.WithUrl(link)
	}
	resp, err := builder.GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return deltaPage[remoteFolder]{}, err
	}

	page := deltaPage[remoteFolder]{
		nextLink:  deref(resp.GetOdataNextLink()),
		deltaLink: deref(resp.GetOdataDeltaLink()),
	}
	for _, f := range resp.GetValue() {
		page.items = append(page.items, remoteFolder{
			id:       deref(f.GetId()),
			parentID: deref(f.GetParentFolderId()),
			name:     deref(f.GetDisplayName()),
			removed:  isRemoved(f.GetAdditionalData()),
		})
	}
	return page, nil
}

func (a *sdkAPI) MessageDelta(ctx context.Context, folderID, link string) (deltaPage[remoteMessage], error) {
	builder := a.me().MailFolders().ByMailFolderId(folderID).Messages().Delta()
	var cfg *users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration
	if link != "" {
		builder = builder.WithUrl(link)
	} else {
		cfg = &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Select: messageFields,
			},
		}
	}
	resp, err := builder.GetAsDeltaGetResponse(ctx, cfg)
	if err != nil {
		return deltaPage[remoteMessage]{}, err
	}

	page := deltaPage[remoteMessage]{
		nextLink:  deref(resp.GetOdataNextLink()),
		deltaLink: deref(resp.GetOdataDeltaLink()),
	}
	for _, m := range resp.GetValue() {
		page.items = append(page.items, convertMessage(m))
	}
	return page, nil
}

func (a *sdkAPI) GetMessage(ctx context.Context, id string) (remoteMessage, error) {
	m, err := a.me().Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: append(append([]string{}, messageFields...), "internetMessageHeaders"),
		},
	})
	if err != nil {
		return remoteMessage{}, err
	}
	return convertMessage(m), nil
}

func convertMessage(m models.Messageable) remoteMessage {
	rm := remoteMessage{
		id:             deref(m.GetId()),
		conversationID: deref(m.GetConversationId()),
		subject:        deref(m.GetSubject()),
		preview:        deref(m.GetBodyPreview()),
		removed:        isRemoved(m.GetAdditionalData()),
	}
	if v := m.GetIsRead(); v != nil {
		rm.isRead = *v
	}
	if v := m.GetIsDraft(); v != nil {
		rm.isDraft = *v
	}
	if f := m.GetFlag(); f != nil && f.GetFlagStatus() != nil {
		rm.flagged = *f.GetFlagStatus() == models.FLAGGED_FOLLOWUPFLAGSTATUS
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			rm.from = deref(addr.GetAddress())
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		rm.received = *rcvd
	}
	if id := m.GetInternetMessageId(); id != nil {
		rm.headers = append(rm.headers, header{"Message-ID", *id})
	}
	for _, h := range m.GetInternetMessageHeaders() {
		if name := h.GetName(); name != nil {
			rm.headers = append(rm.headers, header{*name, deref(h.GetValue())})
		}
	}
	return rm
}

func recipients(addrs []string) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(addrs))
	for _, a := range addrs {
		email := models.NewEmailAddress()
		email.SetAddress(&a)
		r := models.NewRecipient()
		r.SetEmailAddress(email)
		out = append(out, r)
	}
	return out
}

// isRemoved reports the delta tombstone marker
func isRemoved(data map[string]any) bool {
	_, ok := data["@removed"]
	return ok
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func statusCode(err error) int {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		return oerr.ResponseStatusCode
	}
	var berr *stepError
	if errors.As(err, &berr) {
		return berr.status
	}
	return 0
}

func isGone(err error) bool {
	return statusCode(err) == http.StatusGone
}

// classify maps Graph errors onto the sync error taxonomy
func classify(err error) error {
	if err == nil {
		return nil
	}
	if statusCode(err) == http.StatusNotFound {
		return errors.Join(syncer.ErrEntityNotFound, err)
	}
	return err
}
