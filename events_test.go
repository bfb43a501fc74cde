package chatsync

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEmitter(t *testing.T) {
	e := NewEmitter(zerolog.Nop())
	var got []string
	e.On(EventStatus, func(event string, p any) { got = append(got, "first:"+string(p.(ConnStatus))) })
	e.On(EventStatus, func(string, any) { panic("listener bug") })
	e.On(EventStatus, func(event string, p any) { got = append(got, "third:"+string(p.(ConnStatus))) })

	require.NotPanics(t, func() { e.Emit(EventStatus, ConnConnected) })
	require.Equal(t, []string{"first:connected", "third:connected"}, got)

	e.Emit(EventDirectory, nil)
	require.Len(t, got, 2)

	e.RemoveAll()
	e.Emit(EventStatus, ConnDisconnected)
	require.Len(t, got, 2)
}
