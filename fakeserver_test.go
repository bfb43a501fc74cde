package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const fakeSecret = "test-signing-key"

// fakeServer is an in-process chat server speaking the HTTP and socket contracts.
type fakeServer struct {
	*httptest.Server

	mu        sync.Mutex
	users     map[string]UserRecord
	passwords map[string]string
	tokens    map[string]string
	sockets   map[string][]*serverSocket
	history   map[string][]Message
	nextID    int
	tokenTTL  time.Duration

	// withMessages makes users_map carry, per user, the conversation between that
	// user and the caller, as the production server does.
	withMessages bool
	delivered    []Message
}

type serverSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *serverSocket) write(ctx context.Context, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, b)
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		users:     make(map[string]UserRecord),
		passwords: make(map[string]string),
		tokens:    make(map[string]string),
		sockets:   make(map[string][]*serverSocket),
		history:   make(map[string][]Message),
		nextID:    1000,
		tokenTTL:  time.Hour,
	}
	fs.addUser("alice", "alice-pw")
	fs.addUser("bob", "bob-pw")
	fs.addUser("carol", "carol-pw")

	r := chi.NewRouter()
	r.Post("/register", fs.handleRegister)
	r.Get("/ws", fs.handleSocket)
	r.Route("/api", func(api chi.Router) {
		api.Post("/login", fs.handleLogin)
		api.Get("/users_map", fs.authed(fs.handleUsersMap))
		api.Get("/groups", fs.authed(fs.handleGroups))
		api.Post("/get_messages", fs.authed(fs.handleGetMessages))
	})

	fs.Server = httptest.NewServer(r)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) addUser(name, password string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.users[name] = UserRecord{ID: len(fs.users) + 1, Username: name, Role: RoleUser}
	fs.passwords[name] = password
}

func (fs *fakeServer) issue(username string) string {
	claims := tokenClaims{
		StandardClaims: jwt.StandardClaims{
			Id:        uuid.NewString(),
			Subject:   username,
			ExpiresAt: time.Now().Add(fs.tokenTTL).Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(fakeSecret))
	if err != nil {
		panic(err)
	}
	fs.tokens[signed] = username
	return signed
}

// revoke invalidates every token of username.
func (fs *fakeServer) revoke(username string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for tok, u := range fs.tokens {
		if u == username {
			delete(fs.tokens, tok)
		}
	}
}

func (fs *fakeServer) setWithMessages(on bool) {
	fs.mu.Lock()
	fs.withMessages = on
	fs.mu.Unlock()
}

func (fs *fakeServer) setHistory(chatID string, msgs []Message) {
	fs.mu.Lock()
	fs.history[chatID] = msgs
	fs.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fs *fakeServer) lookup(token string) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	u, ok := fs.tokens[token]
	return u, ok
}

func (fs *fakeServer) authed(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		user, ok := fs.lookup(token)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}
		next(w, r, user)
	}
}

func (fs *fakeServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	name, pw := r.PostForm.Get("username"), r.PostForm.Get("password")
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if want, ok := fs.passwords[name]; !ok || want != pw {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Incorrect username or password"})
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{AccessToken: fs.issue(name), TokenType: "bearer"})
}

func (fs *fakeServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg Registration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	fs.mu.Lock()
	_, exists := fs.users[reg.Username]
	fs.mu.Unlock()
	if exists {
		writeJSON(w, http.StatusOK, RegisterResult{Success: false, Detail: "Username already registered"})
		return
	}
	fs.addUser(reg.Username, reg.Password)
	writeJSON(w, http.StatusOK, RegisterResult{Success: true})
}

func (fs *fakeServer) handleUsersMap(w http.ResponseWriter, _ *http.Request, me string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	d := Directory{CurrentUser: fs.users[me], UserMap: make(map[string]UserRecord)}
	for name, u := range fs.users {
		u.Online = len(fs.sockets[name]) > 0
		if fs.withMessages && name != me {
			for _, m := range fs.delivered {
				if (m.Sender == me && m.Recipient.Contains(name)) || (m.Sender == name && m.Recipient.Contains(me)) {
					u.Messages = append(u.Messages, m)
				}
			}
		}
		d.UserMap[name] = u
	}
	d.CurrentUser.Online = len(fs.sockets[me]) > 0
	writeJSON(w, http.StatusOK, d)
}

func (fs *fakeServer) handleGroups(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, []Group{{ID: 1, Name: "devs"}})
}

func (fs *fakeServer) handleGetMessages(w http.ResponseWriter, r *http.Request, _ string) {
	var req struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	fs.mu.Lock()
	msgs := fs.history[req.ChatID]
	fs.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"content": msgs})
}

func (fs *fakeServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := fs.lookup(r.URL.Query().Get("token"))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sock := &serverSocket{conn: conn}
	fs.mu.Lock()
	fs.sockets[user] = append(fs.sockets[user], sock)
	fs.mu.Unlock()

	defer func() {
		fs.mu.Lock()
		list := fs.sockets[user]
		for i, s := range list {
			if s == sock {
				fs.sockets[user] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		fs.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	fs.broadcastStatus(ctx, user, true)
	defer fs.broadcastStatus(context.Background(), user, false)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(data, &f) != nil || f.Event != SocketMessage {
			continue
		}
		var m Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			continue
		}
		m.Direction = DirectionResponse
		m.Status = StatusSet{StatusUnread}
		fs.mu.Lock()
		fs.nextID++
		m.ID = MessageID(fmt.Sprint(fs.nextID))
		fs.delivered = append(fs.delivered, m)
		fs.mu.Unlock()

		if f.Ack != 0 {
			_ = sock.write(ctx, Frame{Event: "ack", Ack: f.Ack, Data: mustMarshal(Ack{ID: m.ID, Status: StatusSet{StatusSuccess}})})
		}
		out := Frame{Event: SocketMessage, Data: mustMarshal(m)}
		for _, target := range []string{m.Recipient.First(), m.Sender} {
			fs.mu.Lock()
			socks := append([]*serverSocket(nil), fs.sockets[target]...)
			fs.mu.Unlock()
			for _, s := range socks {
				_ = s.write(ctx, out)
			}
			if target == m.Sender && m.Recipient.First() == m.Sender {
				break
			}
		}
	}
}

func (fs *fakeServer) broadcastStatus(ctx context.Context, user string, online bool) {
	fs.mu.Lock()
	var socks []*serverSocket
	for name, list := range fs.sockets {
		if name != user {
			socks = append(socks, list...)
		}
	}
	fs.mu.Unlock()
	out := Frame{Event: SocketUserStatus, Data: mustMarshal(UserStatus{Username: user, Online: online})}
	for _, s := range socks {
		_ = s.write(ctx, out)
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
