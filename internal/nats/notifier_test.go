package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

type sentMessage struct {
	subject string
	payload []byte
}

type memSink struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *memSink) Notify(subject string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{subject, payload})
	return nil
}

type memOutbox struct {
	entries []sqlite.OutboxEntry
}

func (o *memOutbox) AppendOutbox(_ context.Context, entries ...sqlite.OutboxEntry) error {
	o.entries = append(o.entries, entries...)
	return nil
}

func TestNotifierSubjects(t *testing.T) {
	sink := &memSink{}
	n := NewNotifier(sink, nil, zerolog.Nop())

	n.Progress("a1", 10)
	n.StateChanged("a1", syncer.StateSynchronizing)
	n.UnreadCountsChanged("a1")

	require.Len(t, sink.sent, 3)
	assert.Equal(t, "mail.a1.sync.progress", sink.sent[0].subject)
	assert.JSONEq(t, `{"account_id":"a1","percent":10}`, string(sink.sent[0].payload))
	assert.Equal(t, "mail.a1.sync.state", sink.sent[1].subject)
	assert.JSONEq(t, `{"account_id":"a1","state":"synchronizing"}`, string(sink.sent[1].payload))
	assert.Equal(t, "mail.a1.sync.unread", sink.sent[2].subject)
}

func TestNotifierUIChangeCarriesRequest(t *testing.T) {
	sink := &memSink{}
	n := NewNotifier(sink, nil, zerolog.Nop())

	req := request.NewMarkRead(model.MailCopy{CopyID: "c1", FolderID: "F"}, true)
	n.ApplyUIChange("a1", req)
	n.RevertUIChange("a1", req)

	require.Len(t, sink.sent, 2)
	var ev uiEvent
	require.NoError(t, json.Unmarshal(sink.sent[1].payload, &ev))
	assert.Equal(t, "revert", ev.Action)

	decoded, err := request.Unmarshal(ev.Request)
	require.NoError(t, err)
	assert.Equal(t, req.ID(), decoded.ID())
}

func TestNotifierNewMailGoesToOutbox(t *testing.T) {
	sink := &memSink{}
	outbox := &memOutbox{}
	n := NewNotifier(sink, outbox, zerolog.Nop())

	n.NewMail(context.Background(), "a1", nil)
	assert.Empty(t, outbox.entries)

	n.NewMail(context.Background(), "a1", []model.MailCopy{{CopyID: "c1", Subject: "hello"}})
	require.Len(t, outbox.entries, 1)
	assert.Equal(t, "mail.a1.events.new_mail", outbox.entries[0].Subject)
	assert.Contains(t, string(outbox.entries[0].Payload), "hello")
	assert.Empty(t, sink.sent)
}

type memQueue struct {
	pending   []sqlite.OutboxMessage
	published []int64
	retried   map[int64]time.Duration
}

func (q *memQueue) DequeueOutbox(_ context.Context, limit int) ([]sqlite.OutboxMessage, error) {
	out := q.pending
	q.pending = nil
	return out, nil
}

func (q *memQueue) MarkPublished(_ context.Context, id int64) error {
	q.published = append(q.published, id)
	return nil
}

func (q *memQueue) MarkOutboxRetry(_ context.Context, id int64, delay time.Duration) error {
	q.retried[id] = delay
	return nil
}

type flakyPublisher struct {
	fail map[string]bool
}

func (p *flakyPublisher) Publish(subject string, _ []byte, msgID string) error {
	if p.fail[msgID] {
		return errors.New("no responders")
	}
	return nil
}

func TestDispatchOnceRetriesFailedMessages(t *testing.T) {
	q := &memQueue{
		pending: []sqlite.OutboxMessage{
			{ID: 1, Subject: "mail.a1.events.new_mail", MsgID: "ok"},
			{ID: 2, Subject: "mail.a1.events.new_mail", MsgID: "bad", Attempts: 2},
		},
		retried: map[int64]time.Duration{},
	}
	d := &Dispatcher{
		Queue:      q,
		Publisher:  &flakyPublisher{fail: map[string]bool{"bad": true}},
		Logger:     zerolog.Nop(),
		RetryDelay: time.Second,
	}

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1}, q.published)
	assert.Equal(t, 4*time.Second, q.retried[2])
}
