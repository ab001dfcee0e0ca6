package natsjs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

// EventSubjectPrefix is the first token of every subject
const EventSubjectPrefix = "mail"

// Sink delivers transient notifications
type Sink interface {
	Notify(subject string, payload []byte) error
}

// Outbox stores durable notifications for the Dispatcher
type Outbox interface {
	AppendOutbox(ctx context.Context, entries ...sqlite.OutboxEntry) error
}

// Notifier publishes sync side effects for UI collaborators. It implements
// sync.Notifier and sync.UIMutator.
type Notifier struct {
	sink   Sink
	outbox Outbox
	log    zerolog.Logger
}

// NewNotifier creates a notifier
func NewNotifier(sink Sink, outbox Outbox, log zerolog.Logger) *Notifier {
	return &Notifier{
		sink:   sink,
		outbox: outbox,
		log:    log.With().Str("component", "notifier").Logger(),
	}
}

// Subject builds mail.<account>.<parts...>
func Subject(accountID string, parts ...string) string {
	s := EventSubjectPrefix + "." + accountID
	for _, p := range parts {
		s += "." + p
	}
	return s
}

type progressEvent struct {
	AccountID string `json:"account_id"`
	Percent   int    `json:"percent"`
}

type stateEvent struct {
	AccountID string       `json:"account_id"`
	State     syncer.State `json:"state"`
}

type uiEvent struct {
	AccountID string          `json:"account_id"`
	Action    string          `json:"action"`
	Request   json.RawMessage `json:"request"`
}

type newMailEvent struct {
	EventID   string           `json:"event_id"`
	TS        int64            `json:"ts"`
	AccountID string           `json:"account_id"`
	Items     []model.MailCopy `json:"items"`
}

// Progress publishes the progress of a pass
func (n *Notifier) Progress(accountID string, percent int) {
	n.notify(Subject(accountID, "sync", "progress"), progressEvent{AccountID: accountID, Percent: percent})
}

// StateChanged publishes a synchronizer state transition
func (n *Notifier) StateChanged(accountID string, state syncer.State) {
	n.notify(Subject(accountID, "sync", "state"), stateEvent{AccountID: accountID, State: state})
}

// UnreadCountsChanged asks the UI to refresh its unread badges
func (n *Notifier) UnreadCountsChanged(accountID string) {
	n.notify(Subject(accountID, "sync", "unread"), struct {
		AccountID string `json:"account_id"`
	}{accountID})
}

// ApplyUIChange publishes an optimistic change
func (n *Notifier) ApplyUIChange(accountID string, req request.Request) {
	n.uiChange(accountID, "apply", req)
}

// RevertUIChange publishes the undo of an optimistic change
func (n *Notifier) RevertUIChange(accountID string, req request.Request) {
	n.uiChange(accountID, "revert", req)
}

// NewMail stores a new-mail event in the outbox. The Dispatcher publishes it
// to JetStream.
func (n *Notifier) NewMail(ctx context.Context, accountID string, items []model.MailCopy) {
	if len(items) == 0 || n.outbox == nil {
		return
	}

	ev := newMailEvent{
		EventID:   uuid.NewString(),
		TS:        time.Now().Unix(),
		AccountID: accountID,
		Items:     items,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Error().Err(err).Msg("encode new mail event")
		return
	}

	entry := sqlite.OutboxEntry{
		Subject:   Subject(accountID, "events", "new_mail"),
		EventType: "mail.new",
		Payload:   payload,
		MsgID:     fmt.Sprintf("mail.new|%s|%s", accountID, ev.EventID),
	}
	if err := n.outbox.AppendOutbox(ctx, entry); err != nil {
		n.log.Error().Err(err).Str("account_id", accountID).Msg("append new mail event")
	}
}

func (n *Notifier) uiChange(accountID, action string, req request.Request) {
	raw, err := request.Marshal(req)
	if err != nil {
		n.log.Error().Err(err).Msg("encode ui change")
		return
	}
	n.notify(Subject(accountID, "ui"), uiEvent{AccountID: accountID, Action: action, Request: raw})
}

func (n *Notifier) notify(subject string, v any) {
	if n.sink == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		n.log.Error().Err(err).Str("subject", subject).Msg("encode notification")
		return
	}
	if err := n.sink.Notify(subject, payload); err != nil {
		n.log.Warn().Err(err).Str("subject", subject).Msg("notify")
	}
}
