package imap

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/emersion/go-imap"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"
	"github.com/emersion/go-imap/responses"
)

const (
	capCondstore = "CONDSTORE"
	capUIDPlus   = "UIDPLUS"

	statusHighestModSeq imap.StatusItem = "HIGHESTMODSEQ"
	fetchModSeq         imap.FetchItem  = "MODSEQ"
)

// mailbox is one LIST entry
type mailbox struct {
	name       string
	delimiter  string
	attributes []string
}

func (m mailbox) has(attr string) bool {
	for _, a := range m.attributes {
		if a == attr {
			return true
		}
	}
	return false
}

// mailboxState is what SELECT and STATUS report about a mailbox
type mailboxState struct {
	uidValidity   uint32
	highestModSeq uint64
}

// fetched is one FETCH response
type fetched struct {
	uid      uint32
	flags    []string
	internal time.Time
	header   []byte
	modSeq   uint64
}

func (f fetched) hasFlag(flag string) bool {
	for _, fl := range f.flags {
		if fl == flag {
			return true
		}
	}
	return false
}

// session is one authenticated IMAP connection
type session interface {
	Supports(capability string) bool
	List() ([]mailbox, error)
	Status(name string) (mailboxState, error)
	Select(name string) (mailboxState, error)
	SearchUIDs() ([]uint32, error)
	FetchHeaders(uids []uint32) ([]fetched, error)
	// FetchFlags fetches flags of uids, or of every message when uids is empty
	FetchFlags(uids []uint32) ([]fetched, error)
	// FetchChangedSince returns the messages whose mod-sequence exceeds modSeq
	FetchChangedSince(modSeq uint64) ([]fetched, error)
	StoreFlags(uids []uint32, flag string, add bool) error
	Move(uids []uint32, dest string) error
	Expunge(uids []uint32) error
	Append(mailbox string, flags []string, date time.Time, raw []byte) error
	Rename(existing, name string) error
	Noop() error
	Logout() error
}

// uidExpunger is the UID EXPUNGE command of RFC 4315
type uidExpunger interface {
	UidExpunge(seqSet *imap.SeqSet, ch chan uint32) error
}

// clientSession implements session over a go-imap client
type clientSession struct {
	c       *client.Client
	uidplus uidExpunger
	caps    map[string]bool
}

func newClientSession(c *client.Client) (*clientSession, error) {
	caps, err := c.Capability()
	if err != nil {
		return nil, fmt.Errorf("capability: %w", err)
	}
	return &clientSession{c: c, uidplus: uidplus.NewClient(c), caps: caps}, nil
}

func (s *clientSession) Supports(capability string) bool {
	return s.caps[capability]
}

func (s *clientSession) List() ([]mailbox, error) {
	ch := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.c.List("", "*", ch)
	}()

	var out []mailbox
	for info := range ch {
		out = append(out, mailbox{name: info.Name, delimiter: info.Delimiter, attributes: info.Attributes})
	}
	return out, <-done
}

func (s *clientSession) Status(name string) (mailboxState, error) {
	items := []imap.StatusItem{imap.StatusUidValidity}
	if s.caps[capCondstore] {
		items = append(items, statusHighestModSeq)
	}
	st, err := s.c.Status(name, items)
	if err != nil {
		return mailboxState{}, err
	}
	return mailboxState{uidValidity: st.UidValidity, highestModSeq: parseModSeq(st.Items[statusHighestModSeq])}, nil
}

func (s *clientSession) Select(name string) (mailboxState, error) {
	st, err := s.c.Select(name, false)
	if err != nil {
		return mailboxState{}, err
	}
	return mailboxState{uidValidity: st.UidValidity}, nil
}

func (s *clientSession) SearchUIDs() ([]uint32, error) {
	return s.c.UidSearch(imap.NewSearchCriteria())
}

func (s *clientSession) FetchHeaders(uids []uint32) ([]fetched, error) {
	section := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier}, Peek: true}
	return s.fetch(uidSet(uids), []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, section.FetchItem()})
}

func (s *clientSession) FetchFlags(uids []uint32) ([]fetched, error) {
	set := uidSet(uids)
	if len(uids) == 0 {
		set = new(imap.SeqSet)
		set.AddRange(1, 0)
	}
	return s.fetch(set, []imap.FetchItem{imap.FetchUid, imap.FetchFlags})
}

func (s *clientSession) FetchChangedSince(modSeq uint64) ([]fetched, error) {
	set := new(imap.SeqSet)
	set.AddRange(1, 0)
	cmd := &changedSince{
		Fetch:  commands.Fetch{SeqSet: set, Items: []imap.FetchItem{imap.FetchUid, imap.FetchFlags, fetchModSeq}},
		modSeq: modSeq,
	}

	ch := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		defer close(ch)
		status, err := s.c.Execute(&commands.Uid{Cmd: cmd}, &responses.Fetch{Messages: ch, SeqSet: set, Uid: true})
		if err == nil {
			err = status.Err()
		}
		done <- err
	}()
	return collect(ch, done)
}

func (s *clientSession) fetch(set *imap.SeqSet, items []imap.FetchItem) ([]fetched, error) {
	ch := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		done <- s.c.UidFetch(set, items, ch)
	}()
	return collect(ch, done)
}

func collect(ch chan *imap.Message, done chan error) ([]fetched, error) {
	var out []fetched
	for msg := range ch {
		f := fetched{
			uid:      msg.Uid,
			flags:    msg.Flags,
			internal: msg.InternalDate,
			modSeq:   parseModSeq(msg.Items[fetchModSeq]),
		}
		for _, lit := range msg.Body {
			if lit == nil {
				continue
			}
			b, err := io.ReadAll(lit)
			if err == nil {
				f.header = b
			}
		}
		out = append(out, f)
	}
	return out, <-done
}

func (s *clientSession) StoreFlags(uids []uint32, flag string, add bool) error {
	op := imap.FlagsOp(imap.RemoveFlags)
	if add {
		op = imap.AddFlags
	}
	return s.c.UidStore(uidSet(uids), imap.FormatFlagsOp(op, true), []interface{}{flag}, nil)
}

func (s *clientSession) Move(uids []uint32, dest string) error {
	// UidMove falls back to COPY, STORE and EXPUNGE without MOVE
	return s.c.UidMove(uidSet(uids), dest)
}

// Expunge permanently removes uids and nothing else. Without UIDPLUS the
// other messages already marked \Deleted are unmarked around the EXPUNGE.
func (s *clientSession) Expunge(uids []uint32) error {
	if err := s.StoreFlags(uids, imap.DeletedFlag, true); err != nil {
		return err
	}
	if s.Supports(capUIDPlus) {
		return s.uidplus.UidExpunge(uidSet(uids), nil)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithFlags = []string{imap.DeletedFlag}
	marked, err := s.c.UidSearch(criteria)
	if err != nil {
		return err
	}
	others := without(marked, uids)
	if len(others) > 0 {
		if err := s.StoreFlags(others, imap.DeletedFlag, false); err != nil {
			return err
		}
	}
	if err := s.c.Expunge(nil); err != nil {
		return err
	}
	if len(others) > 0 {
		return s.StoreFlags(others, imap.DeletedFlag, true)
	}
	return nil
}

func without(all, drop []uint32) []uint32 {
	skip := make(map[uint32]bool, len(drop))
	for _, uid := range drop {
		skip[uid] = true
	}
	var out []uint32
	for _, uid := range all {
		if !skip[uid] {
			out = append(out, uid)
		}
	}
	return out
}

func (s *clientSession) Append(mailbox string, flags []string, date time.Time, raw []byte) error {
	return s.c.Append(mailbox, flags, date, bytes.NewBuffer(raw))
}

func (s *clientSession) Rename(existing, name string) error {
	return s.c.Rename(existing, name)
}

func (s *clientSession) Noop() error {
	return s.c.Noop()
}

func (s *clientSession) Logout() error {
	return s.c.Logout()
}

// changedSince is a FETCH carrying the CHANGEDSINCE modifier of RFC 7162
type changedSince struct {
	commands.Fetch
	modSeq uint64
}

func (cmd *changedSince) Command() *imap.Command {
	c := cmd.Fetch.Command()
	c.Arguments = append(c.Arguments, []interface{}{
		imap.RawString("CHANGEDSINCE"),
		imap.RawString(strconv.FormatUint(cmd.modSeq, 10)),
	})
	return c
}

func uidSet(uids []uint32) *imap.SeqSet {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	return set
}

// parseModSeq reads a mod-sequence from STATUS (atom) or FETCH (list)
func parseModSeq(v interface{}) uint64 {
	switch v := v.(type) {
	case []interface{}:
		if len(v) > 0 {
			return parseModSeq(v[0])
		}
	case string:
		n, _ := strconv.ParseUint(v, 10, 64)
		return n
	case imap.RawString:
		n, _ := strconv.ParseUint(string(v), 10, 64)
		return n
	case uint32:
		return uint64(v)
	}
	return 0
}
