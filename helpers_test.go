package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	once   sync.Once
	mu     sync.Mutex
	reason string

	pingErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 256),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.in:
		return b, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		return nil, &DisconnectError{Reason: t.reason}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) WriteFrame(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return errors.New("write on closed transport")
	default:
	}
	t.out <- data
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

// drop simulates the server side going away.
func (t *fakeTransport) drop(reason string) { _ = t.Close(reason) }

func (t *fakeTransport) push(tb testing.TB, f Frame) {
	tb.Helper()
	b, err := json.Marshal(f)
	require.NoError(tb, err)
	t.in <- b
}

func (t *fakeTransport) next(tb testing.TB) Frame {
	tb.Helper()
	select {
	case b := <-t.out:
		var f Frame
		require.NoError(tb, json.Unmarshal(b, &f))
		return f
	case <-time.After(2 * time.Second):
		tb.Fatal("no frame written")
		return Frame{}
	}
}

type pingTransport struct {
	*fakeTransport
}

func (p pingTransport) Ping(context.Context) error { return p.pingErr }

// ============================================================================
// Fake dialer
// ============================================================================

type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	tokens []string
	fail   error
	conns  []*fakeTransport
	wrap   func(*fakeTransport) Transport
}

func (d *fakeDialer) Dial(_ context.Context, _ string, token string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.tokens = append(d.tokens, token)
	if d.fail != nil {
		return nil, d.fail
	}
	t := newFakeTransport()
	d.conns = append(d.conns, t)
	if d.wrap != nil {
		return d.wrap(t), nil
	}
	return t, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// ============================================================================
// Manual timers
// ============================================================================

type manualTimer struct {
	fn      func()
	mu      sync.Mutex
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

type timerLog struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*manualTimer
}

func (l *timerLog) afterFunc(d time.Duration, fn func()) timerStopper {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := &manualTimer{fn: fn}
	l.delays = append(l.delays, d)
	l.timers = append(l.timers, t)
	return t
}

func (l *timerLog) recorded() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.delays...)
}

// fire runs the most recent timer unless it was stopped.
func (l *timerLog) fire(tb testing.TB) {
	tb.Helper()
	l.mu.Lock()
	require.NotEmpty(tb, l.timers, "no timer scheduled")
	t := l.timers[len(l.timers)-1]
	l.mu.Unlock()
	require.True(tb, t.Stop(), "timer was stopped")
	t.fn()
}

// ============================================================================
// Fixtures
// ============================================================================

func newTestManager(t *testing.T, d *fakeDialer, token string) (*ConnManager, *timerLog) {
	t.Helper()
	log := zerolog.Nop()
	m := NewConnManager(ConnConfig{URL: "ws://chat.test/ws", Dialer: d, Logger: &log}, func() string { return token })
	timers := &timerLog{}
	m.afterFunc = timers.afterFunc
	t.Cleanup(m.Close)
	return m, timers
}

func newTestStore(t *testing.T) (*DirectoryStore, *Cache) {
	t.Helper()
	c := NewCache(zerolog.Nop())
	s := NewDirectoryStore(c, zerolog.Nop())
	s.Replace(&Directory{
		CurrentUser: UserRecord{ID: 1, Username: "alice", Online: true},
		UserMap: map[string]UserRecord{
			"alice": {ID: 1, Username: "alice", Online: true},
			"bob":   {ID: 2, Username: "bob", Nickname: "Bobby"},
			"carol": {ID: 3, Username: "carol", Online: true},
		},
	})
	return s, c
}

func textMessage(id MessageID, from, to, text string) Message {
	m := Message{
		ID:          id,
		Sender:      from,
		Recipient:   To(to),
		MessageType: TypePrivateChat,
		ContentType: ContentHTML,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	m.SetText(text)
	return m
}

func mustJSON(tb testing.TB, v any) json.RawMessage {
	tb.Helper()
	b, err := json.Marshal(v)
	require.NoError(tb, err)
	return b
}

type eventLog struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (l *eventLog) record(event string, payload any) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.data = append(l.data, payload)
	l.mu.Unlock()
}

func (l *eventLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}
