package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientLogin(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient("", WithBaseURL(fs.URL+"/"))

	t.Run("valid credentials", func(t *testing.T) {
		res, err := c.Login(context.Background(), "alice", "alice-pw")
		require.NoError(t, err)
		require.NotEmpty(t, res.AccessToken)
		require.Equal(t, "bearer", res.TokenType)
	})

	t.Run("bad password", func(t *testing.T) {
		_, err := c.Login(context.Background(), "alice", "wrong")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		require.Equal(t, http.StatusUnauthorized, apiErr.Status)
		require.Equal(t, "Incorrect username or password", apiErr.Detail)
		require.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestClientUnauthorizedHook(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient("not-a-token", WithBaseURL(fs.URL))
	var rejected []string
	c.OnUnauthorized(func(token string) { rejected = append(rejected, token) })

	_, err := c.UsersMap(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Equal(t, []string{"not-a-token"}, rejected)
}

func TestClientDirectoryEndpoints(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient("", WithBaseURL(fs.URL))
	res, err := c.Login(context.Background(), "bob", "bob-pw")
	require.NoError(t, err)
	c.SetToken(res.AccessToken)

	d, err := c.UsersMap(context.Background())
	require.NoError(t, err)
	require.Equal(t, "bob", d.CurrentUser.Username)
	require.Len(t, d.UserMap, 3)

	groups, err := c.Groups(context.Background())
	require.NoError(t, err)
	require.Equal(t, "devs", groups[0].Name)

	fs.setHistory("alice", []Message{textMessage("1", "alice", "bob", "hi")})
	msgs, err := c.GetMessages(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", msgs[0].Text())
}

func TestClientGetMessagesBareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []Message{textMessage("5", "bob", "alice", "bare")})
	}))
	defer srv.Close()

	msgs, err := NewClient("tok", WithBaseURL(srv.URL)).GetMessages(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, MessageID("5"), msgs[0].ID)
}

func TestClientRegister(t *testing.T) {
	fs := newFakeServer(t)
	c := NewClient("", WithBaseURL(fs.URL))

	_, err := c.Register(context.Background(), &Registration{Username: "dave", Password: "pw"})
	require.NoError(t, err)

	_, err = c.Register(context.Background(), &Registration{Username: "dave", Password: "pw"})
	require.ErrorContains(t, err, "Username already registered")
}

func TestClientServerErrorWithoutJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient("tok", WithBaseURL(srv.URL)).Groups(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadGateway, apiErr.Status)
	require.Equal(t, "upstream exploded", apiErr.Detail)
	require.NotErrorIs(t, err, ErrUnauthorized)
}
