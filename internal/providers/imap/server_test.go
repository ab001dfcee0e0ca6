package imap

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/model"
)

// startServer runs an in-memory IMAP server with the user "username" and
// one message in INBOX
func startServer(t *testing.T) model.ServerInfo {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	go s.Serve(ln)
	t.Cleanup(func() { s.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return model.ServerInfo{Host: host, Port: p, Security: model.SecurityNone, Username: "username"}
}

func dialTest(t *testing.T, info model.ServerInfo, timeout time.Duration) *client.Client {
	t.Helper()
	c, err := dial(context.Background(), info, Credentials{Password: "password"}, timeout)
	require.NoError(t, err)
	t.Cleanup(func() { c.Logout() })
	return c
}

func TestExpungeLeavesOtherDeletedMessages(t *testing.T) {
	c := dialTest(t, startServer(t), 5*time.Second)

	for _, body := range []string{"Subject: keep\r\n\r\nkeep\r\n", "Subject: drop\r\n\r\ndrop\r\n"} {
		require.NoError(t, c.Append("INBOX", nil, time.Now(), bytes.NewBufferString(body)))
	}

	sess, err := newClientSession(c)
	require.NoError(t, err)
	require.False(t, sess.Supports(capUIDPlus))
	_, err = sess.Select("INBOX")
	require.NoError(t, err)

	uids, err := sess.SearchUIDs()
	require.NoError(t, err)
	require.Len(t, uids, 3)
	keep, drop := uids[1], uids[2]

	// another client marked keep for deletion without expunging it
	require.NoError(t, sess.StoreFlags([]uint32{keep}, imap.DeletedFlag, true))

	require.NoError(t, sess.Expunge([]uint32{drop}))

	left, err := sess.SearchUIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint32{uids[0], keep}, left)

	got, err := sess.FetchFlags([]uint32{keep})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].flags, imap.DeletedFlag)
}

func TestStoreFlagsRemovesFlag(t *testing.T) {
	c := dialTest(t, startServer(t), 5*time.Second)
	sess, err := newClientSession(c)
	require.NoError(t, err)
	_, err = sess.Select("INBOX")
	require.NoError(t, err)

	uids, err := sess.SearchUIDs()
	require.NoError(t, err)
	require.Len(t, uids, 1)

	require.NoError(t, sess.StoreFlags(uids, imap.SeenFlag, false))

	got, err := sess.FetchFlags(uids)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotContains(t, got[0].flags, imap.SeenFlag)
}

func TestIdleOutlivesCommandTimeout(t *testing.T) {
	c := dialTest(t, startServer(t), 200*time.Millisecond)
	i := newClientIdler(c, time.Minute)
	defer close(i.quit)

	_, err := i.Select("INBOX")
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- i.Idle(stop) }()

	select {
	case err := <-done:
		t.Fatalf("idle returned early: %v", err)
	case <-time.After(600 * time.Millisecond):
	}

	close(stop)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("idle did not stop")
	}
	assert.Equal(t, 200*time.Millisecond, c.Timeout)
}

func TestIdlerSignalsFlagChanges(t *testing.T) {
	i := &clientIdler{
		updates: make(chan client.Update, 1),
		changes: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	defer close(i.quit)
	go i.forward()

	i.updates <- &client.MessageUpdate{Message: imap.NewMessage(1, nil)}

	select {
	case <-i.Changes():
	case <-time.After(time.Second):
		t.Fatal("flag change not signalled")
	}
}
