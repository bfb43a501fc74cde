package chatsync

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPresence(t *testing.T) {
	store, _ := newTestStore(t)
	em := NewEmitter(zerolog.Nop())
	cleared := &eventLog{}
	em.On(EventNotifyClear, cleared.record)
	p := NewPresence(store, em)

	p.OnInbound("bob")
	p.OnInbound("bob")
	bob, _ := store.User("bob")
	require.Equal(t, 2, bob.UnreadMessageCount)

	p.Select("bob")
	bob, _ = store.User("bob")
	require.Zero(t, bob.UnreadMessageCount)
	require.Equal(t, 1, cleared.count(EventNotifyClear))

	target, group := p.Selected()
	require.Equal(t, "bob", target)
	require.False(t, group)

	p.OnInbound("bob")
	p.OnInbound("carol")
	bob, _ = store.User("bob")
	carol, _ := store.User("carol")
	require.Zero(t, bob.UnreadMessageCount, "the open conversation never accumulates unread")
	require.Equal(t, 1, carol.UnreadMessageCount)

	p.Clear()
	target, _ = p.Selected()
	require.Empty(t, target)
	p.OnInbound("bob")
	bob, _ = store.User("bob")
	require.Equal(t, 1, bob.UnreadMessageCount)
}

func TestPresenceGroupsAreSeparate(t *testing.T) {
	store, _ := newTestStore(t)
	p := NewPresence(store, NewEmitter(zerolog.Nop()))

	p.Select("devs")
	p.OnInboundGroup("devs")
	require.Equal(t, 1, p.GroupUnread("devs"), "selecting a user named like a group does not select the group")

	p.SelectGroup("devs")
	require.Zero(t, p.GroupUnread("devs"))
	p.OnInboundGroup("devs")
	require.Zero(t, p.GroupUnread("devs"))

	p.Reset()
	p.OnInboundGroup("devs")
	require.Equal(t, 1, p.GroupUnread("devs"))
}
