package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chatlink/chatsync/internal/logx"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ============================================================================
// Options
// ============================================================================

// Options configures an Engine. Zero values take the defaults noted per field.
type Options struct {
	BaseURL   string // DefaultBaseURL
	SocketURL string // derived from BaseURL

	// AllowConnect gates socket connects; nil means allowed.
	AllowConnect *bool

	MaxReconnectAttempts int           // 5
	ReconnectBaseDelay   time.Duration // 1s
	HeartbeatInterval    time.Duration // 25s
	DialTimeout          time.Duration // 10s
	AckTimeout           time.Duration // 10s
	HTTPTimeout          time.Duration // 10s
	RefetchInterval      time.Duration // 1s

	// SendRate is the sustained sends per second; SendBurst the burst size.
	SendRate  float64 // 5
	SendBurst int     // 10

	HTTPClient *http.Client
	Dialer     Dialer
	Store      KeyValueStore // in-memory when nil
	Logger     *zerolog.Logger
}

// WithDefaults returns a copy of o with every zero field resolved to its default.
func (o Options) WithDefaults() Options {
	o.defaults()
	return o
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.SocketURL == "" {
		o.SocketURL = SocketURL(o.BaseURL)
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.HTTPTimeout == 0 {
		o.HTTPTimeout = DefaultTimeout
	}
	if o.RefetchInterval == 0 {
		o.RefetchInterval = time.Second
	}
	if o.SendRate == 0 {
		o.SendRate = 5
	}
	if o.SendBurst == 0 {
		o.SendBurst = 10
	}
	if o.Store == nil {
		o.Store = NewMemoryStore()
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine wires the HTTP client, session, connection, cache, router, outbound pipeline
// and presence of one logged-in client. It owns one connection and one cache.
type Engine struct {
	opts Options
	log  zerolog.Logger

	client   *Client
	sessions *SessionManager
	conn     *ConnManager
	cache    *Cache
	store    *DirectoryStore
	presence *Presence
	router   *Router
	pipeline *Pipeline
	events   *Emitter

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine builds an engine. Nothing touches the network until Login, Restore or
// Start.
func NewEngine(opts Options) (*Engine, error) {
	opts.defaults()
	if !strings.HasPrefix(opts.BaseURL, "http://") && !strings.HasPrefix(opts.BaseURL, "https://") {
		return nil, fmt.Errorf("base url %q must start with http:// or https://", opts.BaseURL)
	}

	log := logx.Component("chatsync")
	if opts.Logger != nil {
		log = *opts.Logger
	}

	clientOpts := []ClientOption{
		WithBaseURL(opts.BaseURL),
		WithClientLogger(log.With().Str("component", "http").Logger()),
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, WithHTTPClient(opts.HTTPClient))
	} else {
		clientOpts = append(clientOpts, WithTimeout(opts.HTTPTimeout))
	}

	e := &Engine{opts: opts, log: log}
	e.client = NewClient("", clientOpts...)
	e.sessions = NewSessionManager(e.client, opts.Store, log.With().Str("component", "session").Logger())
	e.events = NewEmitter(log)
	e.cache = NewCache(log.With().Str("component", "cache").Logger())
	e.store = NewDirectoryStore(e.cache, log)
	e.presence = NewPresence(e.store, e.events)
	e.router = NewRouter(e.store, e.presence, e.events, log.With().Str("component", "router").Logger())

	connLog := log.With().Str("component", "conn").Logger()
	e.conn = NewConnManager(ConnConfig{
		URL:                  opts.SocketURL,
		MaxReconnectAttempts: opts.MaxReconnectAttempts,
		ReconnectBaseDelay:   opts.ReconnectBaseDelay,
		HeartbeatInterval:    opts.HeartbeatInterval,
		DialTimeout:          opts.DialTimeout,
		Dialer:               opts.Dialer,
		Logger:               &connLog,
	}, e.sessions.Token)
	if opts.AllowConnect != nil {
		e.conn.SetAllowConnect(*opts.AllowConnect)
	}

	limiter := rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst)
	e.pipeline = NewPipeline(e.conn, e.store, e.events, limiter, opts.AckTimeout, log.With().Str("component", "outbound").Logger())

	e.cache.Register(KeyUsers, e.fetchDirectory, e.mergeDirectory)
	e.cache.Register(KeyGroups, func(ctx context.Context) (any, error) {
		return e.client.Groups(ctx)
	}, nil)

	e.wire()
	return e, nil
}

func (e *Engine) wire() {
	dispatch := func(data json.RawMessage) { e.router.Dispatch(data) }
	e.conn.On(SocketMessage, dispatch)
	e.conn.On(SocketChatHistory, dispatch)
	e.conn.On(SocketUserStatus, e.handleUserStatus)
	e.conn.On(SocketClose, func(data json.RawMessage) {
		e.log.Warn().RawJSON("data", nonEmptyJSON(data)).Msg("server asked to close the session")
		e.events.Emit(EventServerClose, data)
	})
	e.conn.OnStatus(func(s ConnStatus) {
		e.events.Emit(EventStatus, s)
	})
	e.conn.OnOpen(func() {
		// Anything may have changed while the socket was down.
		e.cache.SetShouldRefetch(true)
	})
	e.conn.OnError(func(err error) {
		if errors.Is(err, ErrUnauthorized) {
			go e.forceLogout(e.sessions.Token())
		}
	})
	e.client.OnUnauthorized(func(token string) { go e.forceLogout(token) })
}

// handleUserStatus accepts either a full message envelope or a bare status object.
func (e *Engine) handleUserStatus(data json.RawMessage) {
	var head struct {
		MessageType MessageType `json:"message_type"`
	}
	if json.Unmarshal(data, &head) == nil && head.MessageType != "" {
		e.router.Dispatch(data)
		return
	}
	var st UserStatus
	if err := json.Unmarshal(data, &st); err != nil {
		e.log.Warn().Err(err).Msg("bad user_status payload")
		return
	}
	e.router.ApplyStatus(st)
}

func (e *Engine) fetchDirectory(ctx context.Context) (any, error) {
	d, err := e.client.UsersMap(ctx)
	if err != nil {
		return nil, err
	}
	starred, err := StarredUsers(ctx, e.opts.Store)
	if err != nil {
		e.log.Warn().Err(err).Msg("loading starred users")
	}
	for _, name := range starred {
		withUser(d, name, func(u *UserRecord) { u.IsStarred = true })
	}
	return d, nil
}

func (e *Engine) mergeDirectory(current, fetched any) any {
	cur, _ := current.(*Directory)
	fresh, _ := fetched.(*Directory)
	if fresh == nil {
		return current
	}
	if cur != nil && cur.CurrentUser.Username != "" && cur.CurrentUser.Username != fresh.CurrentUser.Username {
		cur = nil
	}
	merged := MergeDirectory(cur, fresh)
	for name, u := range fresh.UserMap {
		if u.IsStarred {
			withUser(merged, name, func(r *UserRecord) { r.IsStarred = true })
		}
	}
	return merged
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start loads the directory, connects the socket and starts the refetch loop. A
// session must exist (Login or Restore first). Connect failures are retried in the
// background and do not fail Start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errors.New("engine stopped")
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	if e.sessions.Token() == "" {
		e.mu.Unlock()
		return ErrNotAuthenticated
	}
	e.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	if _, err := e.cache.Query(ctx, KeyUsers); err != nil {
		e.log.Warn().Err(err).Msg("initial directory load failed")
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
	}
	if err := e.conn.Connect(ctx); err != nil {
		e.log.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}

	e.wg.Add(1)
	go e.refetchLoop(loopCtx)
	return nil
}

// Stop closes the connection, stops the refetch loop and removes every listener.
// Calling it again is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.conn.Close()
	e.wg.Wait()
	e.events.RemoveAll()
	e.log.Debug().Msg("engine stopped")
}

func (e *Engine) refetchLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.RefetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refetchIfNeeded(ctx)
		}
	}
}

// refetchIfNeeded refreshes the directory when the should-refetch flag is raised or
// the entry went stale.
func (e *Engine) refetchIfNeeded(ctx context.Context) {
	if e.sessions.Token() == "" {
		return
	}
	flagged := e.cache.ShouldRefetch()
	if !flagged && !e.cache.IsStale(KeyUsers) {
		return
	}
	if flagged {
		e.cache.SetShouldRefetch(false)
	}
	fctx, cancel := context.WithTimeout(ctx, e.opts.HTTPTimeout)
	defer cancel()
	if _, err := e.cache.Refetch(fctx, KeyUsers); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.log.Warn().Err(err).Msg("directory refetch failed")
		e.events.Emit(EventRefetchFailed, err)
		return
	}
	e.events.Emit(EventDirectory, nil)
}

// ============================================================================
// Session
// ============================================================================

// Login authenticates, resets client state for the new identity and, when the engine
// is running, reloads the directory and reconnects.
func (e *Engine) Login(ctx context.Context, username, password string) (*Session, error) {
	s, err := e.sessions.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	e.afterLogin(ctx, s)
	return s, nil
}

// Register creates an account and logs in with it.
func (e *Engine) Register(ctx context.Context, reg *Registration) (*Session, error) {
	s, err := e.sessions.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	e.afterLogin(ctx, s)
	return s, nil
}

// Restore reloads the stored session, if any.
func (e *Engine) Restore(ctx context.Context) (*Session, bool, error) {
	s, ok, err := e.sessions.Restore(ctx)
	if err != nil || !ok {
		return s, ok, err
	}
	e.events.Emit(EventLoggedIn, s)
	return s, true, nil
}

func (e *Engine) afterLogin(ctx context.Context, s *Session) {
	e.conn.Disconnect()
	e.cache.Clear()
	e.presence.Reset()
	e.events.Emit(EventLoggedIn, s)

	e.mu.Lock()
	running := e.started && !e.stopped
	e.mu.Unlock()
	if !running {
		return
	}
	if _, err := e.cache.Query(ctx, KeyUsers); err != nil {
		e.log.Warn().Err(err).Msg("directory load after login failed")
	}
	if err := e.conn.Connect(ctx); err != nil {
		e.log.Warn().Err(err).Msg("connect after login failed")
	}
}

// Logout ends the session on the client's initiative.
func (e *Engine) Logout(ctx context.Context) error {
	s := e.sessions.Current()
	e.conn.Disconnect()
	err := e.sessions.Clear(ctx)
	e.cache.Clear()
	e.presence.Reset()
	e.events.Emit(EventLoggedOut, s)
	return err
}

// forceLogout runs when the server rejects rejected. It does nothing once the
// session has moved on to another token, so a late 401 cannot end a fresh login.
func (e *Engine) forceLogout(rejected string) {
	s := e.sessions.Current()
	if s == nil || rejected == "" || e.sessions.Token() != rejected {
		return
	}
	e.log.Warn().Str("username", s.Username).Msg("token rejected, logging out")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.conn.Disconnect()
	if err := e.sessions.Clear(ctx); err != nil {
		e.log.Error().Err(err).Msg("clearing stored session")
	}
	e.cache.Clear()
	e.presence.Reset()
	e.events.Emit(EventLoggedOut, s)
}

// Session returns the active session, or nil.
func (e *Engine) Session() *Session { return e.sessions.Current() }

// ============================================================================
// Queries and commands
// ============================================================================

// Directory returns a snapshot of the cached directory, loading it if needed.
func (e *Engine) Directory(ctx context.Context) (*Directory, error) {
	v, err := e.cache.Query(ctx, KeyUsers)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*Directory)
	if !ok {
		return nil, fmt.Errorf("unexpected directory value %T", v)
	}
	return d.Clone(), nil
}

// Groups returns the cached groups, loading them if needed.
func (e *Engine) Groups(ctx context.Context) ([]Group, error) {
	v, err := e.cache.Query(ctx, KeyGroups)
	if err != nil {
		return nil, err
	}
	groups, _ := v.([]Group)
	return append([]Group(nil), groups...), nil
}

// SearchUsers returns users whose username or nickname contains term, case
// insensitively, and records term in the search history.
func (e *Engine) SearchUsers(ctx context.Context, term string) ([]UserRecord, error) {
	d, err := e.Directory(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := AddSearchHistory(ctx, e.opts.Store, term); err != nil {
		e.log.Warn().Err(err).Msg("saving search history")
	}
	needle := strings.ToLower(strings.TrimSpace(term))
	var out []UserRecord
	for _, u := range d.UserMap {
		if strings.Contains(strings.ToLower(u.Username), needle) || strings.Contains(strings.ToLower(u.Nickname), needle) {
			out = append(out, u)
		}
	}
	sortUsers(out)
	return out, nil
}

// SearchHistory returns recent searches, most recent first.
func (e *Engine) SearchHistory(ctx context.Context) ([]string, error) {
	return SearchHistory(ctx, e.opts.Store)
}

// LoadHistory fetches the conversation with partner over HTTP, stores it and returns
// the merged conversation view.
func (e *Engine) LoadHistory(ctx context.Context, partner string) ([]Message, error) {
	msgs, err := e.client.GetMessages(ctx, partner)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", partner, err)
	}
	if _, err := e.cache.Query(ctx, KeyUsers); err != nil {
		return nil, err
	}
	if !e.store.ReplaceHistory(partner, msgs) {
		e.log.Debug().Str("partner", partner).Msg("history for unknown user")
	}
	return e.store.Conversation(partner), nil
}

// Conversation returns both directions of the conversation with partner, oldest first.
func (e *Engine) Conversation(partner string) []Message {
	return e.store.Conversation(partner)
}

// GroupMessages returns the messages received in group.
func (e *Engine) GroupMessages(group string) []Message {
	return e.store.GroupMessages(group)
}

// SetStarred stars or unstars username, in the cache and in storage.
func (e *Engine) SetStarred(ctx context.Context, username string, starred bool) error {
	if err := SetStarredUser(ctx, e.opts.Store, username, starred); err != nil {
		return err
	}
	e.store.SetStarred(username, starred)
	return nil
}

// Send sends a draft through the optimistic pipeline.
func (e *Engine) Send(ctx context.Context, d Draft) (Message, error) {
	return e.pipeline.Send(ctx, d)
}

// Select opens the conversation with target.
func (e *Engine) Select(target string) { e.presence.Select(target) }

// SelectGroup opens the conversation in group.
func (e *Engine) SelectGroup(group string) { e.presence.SelectGroup(group) }

// ClearSelection closes the open conversation.
func (e *Engine) ClearSelection() { e.presence.Clear() }

// On subscribes to engine events.
func (e *Engine) On(event string, h EventHandler) { e.events.On(event, h) }

// Status returns the connection status.
func (e *Engine) Status() ConnStatus { return e.conn.Status() }

// SetAllowConnect gates socket connects.
func (e *Engine) SetAllowConnect(allow bool) { e.conn.SetAllowConnect(allow) }

// Conn exposes the connection manager.
func (e *Engine) Conn() *ConnManager { return e.conn }

// Cache exposes the cache store.
func (e *Engine) Cache() *Cache { return e.cache }

// Presence exposes the selection state.
func (e *Engine) Presence() *Presence { return e.presence }

// Client exposes the HTTP client.
func (e *Engine) Client() *Client { return e.client }

func nonEmptyJSON(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}
