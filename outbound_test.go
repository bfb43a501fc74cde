package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeEmitter struct {
	mu     sync.Mutex
	status ConnStatus
	sent   []Message
	reply  func(m Message) (json.RawMessage, error)
	// during runs inside EmitWithAck, before the reply.
	during func()
}

func (f *fakeEmitter) Status() ConnStatus { return f.status }

func (f *fakeEmitter) EmitWithAck(_ context.Context, event string, payload any) (json.RawMessage, error) {
	m := payload.(Message)
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	if f.during != nil {
		f.during()
	}
	return f.reply(m)
}

func ackWith(id MessageID) func(Message) (json.RawMessage, error) {
	return func(Message) (json.RawMessage, error) {
		return json.Marshal(Ack{ID: id, Status: StatusSet{StatusSuccess}})
	}
}

func newTestPipeline(t *testing.T, conn *fakeEmitter) (*Pipeline, *DirectoryStore, *Cache, *eventLog) {
	t.Helper()
	store, cache := newTestStore(t)
	em := NewEmitter(zerolog.Nop())
	log := &eventLog{}
	em.On(EventSendFailed, log.record)
	return NewPipeline(conn, store, em, nil, 0, zerolog.Nop()), store, cache, log
}

func TestPipelineRejects(t *testing.T) {
	tests := []struct {
		name    string
		status  ConnStatus
		emptyMe bool
		draft   Draft
		want    error
	}{
		{"empty", ConnConnected, false, Draft{Recipient: "bob", Content: ""}, ErrEmptyContent},
		{"markup only", ConnConnected, false, Draft{Recipient: "bob", Content: "<p><br></p>&nbsp; "}, ErrEmptyContent},
		{"whitespace plain", ConnConnected, false, Draft{Recipient: "bob", Content: " \n\t", ContentType: ContentPlainText}, ErrEmptyContent},
		{"disconnected", ConnDisconnected, false, Draft{Recipient: "bob", Content: "hi"}, ErrNotConnected},
		{"connecting", ConnConnecting, false, Draft{Recipient: "bob", Content: "hi"}, ErrNotConnected},
		{"no session", ConnConnected, true, Draft{Recipient: "bob", Content: "hi"}, ErrNotAuthenticated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := &fakeEmitter{status: tc.status, reply: ackWith("1")}
			p, store, _, _ := newTestPipeline(t, conn)
			if tc.emptyMe {
				store.Replace(&Directory{})
			}
			before, _ := store.Snapshot()

			_, err := p.Send(context.Background(), tc.draft)
			require.ErrorIs(t, err, tc.want)
			require.Empty(t, conn.sent, "nothing may reach the network")

			after, _ := store.Snapshot()
			require.Equal(t, before, after)
		})
	}
}

func TestPipelineSendSuccess(t *testing.T) {
	conn := &fakeEmitter{status: ConnConnected, reply: ackWith("100")}
	p, store, cache, _ := newTestPipeline(t, conn)

	var pendingSeen bool
	conn.during = func() {
		me, _ := store.User("alice")
		pendingSeen = len(me.Messages) == 1 && me.Messages[0].Pending()
		require.True(t, cache.ShouldRefetch())
	}

	sent, err := p.Send(context.Background(), Draft{Recipient: "bob", Content: "<b>hi</b>"})
	require.NoError(t, err)
	require.True(t, pendingSeen, "placeholder is visible before the ack")
	require.Equal(t, MessageID("100"), sent.ID)

	require.Len(t, conn.sent, 1)
	wire := conn.sent[0]
	require.Equal(t, "alice", wire.Sender)
	require.Equal(t, Recipient{"bob"}, wire.Recipient)
	require.Equal(t, TypePrivateChat, wire.MessageType)
	require.Equal(t, ContentHTML, wire.ContentType)
	require.Empty(t, wire.ID)

	me, _ := store.User("alice")
	require.Len(t, me.Messages, 1)
	require.Equal(t, MessageID("100"), me.Messages[0].ID)
	require.True(t, me.Messages[0].Status.Has(StatusSuccess))
	require.True(t, cache.IsStale(KeyUsers), "users entry is invalidated after settling")
}

func TestPipelineSendFailureRollsBack(t *testing.T) {
	cases := map[string]func(Message) (json.RawMessage, error){
		"connection lost": func(Message) (json.RawMessage, error) { return nil, ErrConnectionLost },
		"timeout":         func(Message) (json.RawMessage, error) { return nil, ErrAckTimeout },
		"rejected": func(Message) (json.RawMessage, error) {
			return json.Marshal(Ack{Status: StatusSet{StatusFailed}, Detail: "recipient blocked you"})
		},
		"garbage ack": func(Message) (json.RawMessage, error) { return json.RawMessage(`[1,2`), nil },
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			conn := &fakeEmitter{status: ConnConnected, reply: reply}
			p, store, cache, events := newTestPipeline(t, conn)
			store.UpsertMessage("alice", textMessage("1", "alice", "bob", "earlier"))
			before, _ := store.User("alice")

			_, err := p.Send(context.Background(), Draft{Recipient: "bob", Content: "hi"})
			require.ErrorIs(t, err, ErrSendFailed)

			after, _ := store.User("alice")
			require.Equal(t, before.Messages, after.Messages)
			require.Len(t, conn.sent, 1, "no automatic retry")
			require.Equal(t, 1, events.count(EventSendFailed))
			require.True(t, cache.IsStale(KeyUsers))
		})
	}

	t.Run("underlying cause is kept", func(t *testing.T) {
		conn := &fakeEmitter{status: ConnConnected, reply: func(Message) (json.RawMessage, error) { return nil, ErrAckTimeout }}
		p, _, _, _ := newTestPipeline(t, conn)
		_, err := p.Send(context.Background(), Draft{Recipient: "bob", Content: "hi"})
		require.True(t, errors.Is(err, ErrAckTimeout))
	})
}

func TestPipelineGroupDraft(t *testing.T) {
	conn := &fakeEmitter{status: ConnConnected, reply: ackWith("7")}
	p, _, _, _ := newTestPipeline(t, conn)

	_, err := p.Send(context.Background(), Draft{Recipient: "devs", Content: "hello all", Group: true})
	require.NoError(t, err)
	require.Equal(t, TypeGroupChat, conn.sent[0].MessageType)
	require.Equal(t, "group", conn.sent[0].RecipientType)
}

func TestPipelineThrottleHonorsContext(t *testing.T) {
	conn := &fakeEmitter{status: ConnConnected, reply: ackWith("1")}
	store, _ := newTestStore(t)
	limiter := rate.NewLimiter(rate.Limit(0.001), 1)
	p := NewPipeline(conn, store, NewEmitter(zerolog.Nop()), limiter, 0, zerolog.Nop())

	_, err := p.Send(context.Background(), Draft{Recipient: "bob", Content: "one"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Send(ctx, Draft{Recipient: "bob", Content: "two"})
	require.Error(t, err)
	require.Len(t, conn.sent, 1)
}

func TestPlainText(t *testing.T) {
	require.Equal(t, "hi & bye", PlainText("<p>hi &amp; <b>bye</b></p>", ContentHTML))
	require.Equal(t, "<b>raw</b>", PlainText(" <b>raw</b> ", ContentText))
	require.Empty(t, PlainText("<p>&nbsp;</p>", ContentHTML))
}
