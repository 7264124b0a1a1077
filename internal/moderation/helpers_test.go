package moderation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"verdict/internal/events"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/minio/sha256-simd"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func hexID(n int) string {
	return fmt.Sprintf("%064x", n)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: epoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var nextEventID = struct {
	sync.Mutex
	n int
}{n: 1 << 20}

func newEventID() string {
	nextEventID.Lock()
	defer nextEventID.Unlock()
	nextEventID.n++
	return hexID(nextEventID.n)
}

// keyring maps the pubkeys handed out by identity back to their signing keys
var keyring sync.Map

// identity returns the pubkey of a deterministic signing key for n
func identity(n int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("identity-%d", n)))
	key := secp256k1.PrivKeyFromBytes(sum[:])
	pk := events.PubKeyHex(key)
	keyring.Store(pk, key)
	return pk
}

// sign signs evt with the key behind evt.PubKey, which must come from identity
func sign(evt events.Event) events.Event {
	key, ok := keyring.Load(evt.PubKey)
	if !ok {
		panic("no signing key for " + evt.PubKey)
	}
	if err := evt.Sign(key.(*secp256k1.PrivateKey)); err != nil {
		panic(err)
	}
	return evt
}

func reportEvent(reporter, target, typ string, at time.Time) events.Event {
	return sign(events.Event{
		PubKey:    reporter,
		CreatedAt: at,
		Kind:      events.KindReport,
		Tags:      []events.Tag{{"e", target, typ}},
	})
}

func labelEvent(labeler, target, namespace, value string, at time.Time) events.Event {
	return sign(events.Event{
		PubKey:    labeler,
		CreatedAt: at,
		Kind:      events.KindLabel,
		Tags: []events.Tag{
			{"L", namespace},
			{"l", value, namespace},
			{"e", target},
		},
	})
}

func muteListEvent(owner string, at time.Time, tags ...events.Tag) events.Event {
	return sign(events.Event{
		PubKey:    owner,
		CreatedAt: at,
		Kind:      events.KindMuteList,
		Tags:      tags,
	})
}

func note(id, author, content string, tags ...events.Tag) events.Event {
	return events.Event{
		ID:        id,
		PubKey:    author,
		CreatedAt: epoch,
		Kind:      1,
		Tags:      tags,
		Content:   content,
	}
}

func newTestCoordinator(t *testing.T, clock *testClock, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c, err := NewCoordinator(DefaultConfig(), opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// fakeSource is an in-process EventSource. Published events are delivered
// synchronously to every live subscription whose filter matches.
type fakeSource struct {
	mu   sync.Mutex
	subs map[int]*fakeSub
	next int
	err  error
}

type fakeSub struct {
	filter  Filter
	deliver func(events.Event)
	kill    chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[int]*fakeSub)}
}

func (s *fakeSource) Subscribe(ctx context.Context, f Filter, deliver func(events.Event)) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	id := s.next
	s.next++
	sub := &fakeSub{filter: f, deliver: deliver, kill: make(chan error, 1)}
	s.subs[id] = sub
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-sub.kill:
		return err
	}
}

func (s *fakeSource) matches(f Filter, evt events.Event) bool {
	kindOK := false
	for _, k := range f.Kinds {
		if k == evt.Kind {
			kindOK = true
		}
	}
	if !kindOK {
		return false
	}
	for _, a := range f.Authors {
		if a == evt.PubKey {
			return true
		}
	}
	return false
}

func (s *fakeSource) publish(evt events.Event) int {
	s.mu.Lock()
	var targets []*fakeSub
	for _, sub := range s.subs {
		if s.matches(sub.filter, evt) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(evt)
	}
	return len(targets)
}

func (s *fakeSource) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *fakeSource) filters() []Filter {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Filter
	for _, sub := range s.subs {
		out = append(out, sub.filter)
	}
	return out
}

// fail breaks every live subscription and makes new ones fail until heal
func (s *fakeSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	for _, sub := range s.subs {
		select {
		case sub.kill <- err:
		default:
		}
	}
}

func (s *fakeSource) heal() {
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()
}

type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (m *memAudit) LogAction(ctx context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memAudit) ListAuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func mustParseLabel(t *testing.T, evt events.Event) *events.LabelEvent {
	t.Helper()
	parsed, err := events.Parse(evt, epoch)
	require.NoError(t, err)
	l, ok := parsed.(*events.LabelEvent)
	require.True(t, ok)
	return l
}

func mustParseMuteList(t *testing.T, evt events.Event) *events.MuteListEvent {
	t.Helper()
	parsed, err := events.Parse(evt, epoch)
	require.NoError(t, err)
	m, ok := parsed.(*events.MuteListEvent)
	require.True(t, ok)
	return m
}
