package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Wire frames
// ============================================================================

// Socket event names.
const (
	SocketMessage     = "message"
	SocketChatHistory = "chat_history"
	SocketUserStatus  = "user_status"
	SocketClose       = "close"
	socketAck         = "ack"
)

// Frame is the JSON envelope of every socket event. Frames with a non-zero Ack expect
// one "ack" frame carrying the same number back.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// ============================================================================
// Status
// ============================================================================

// ConnStatus is the observable connection state.
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "disconnected"
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
	ConnRestored     ConnStatus = "restored"
)

// Live reports whether frames can be written.
func (s ConnStatus) Live() bool {
	return s == ConnConnected || s == ConnRestored
}

// ============================================================================
// Backoff
// ============================================================================

// Backoff hands out exponential reconnect delays, Base × 2^n for the n-th attempt,
// until Max attempts have been handed out.
type Backoff struct {
	Base    time.Duration
	Max     int
	attempt int
}

// NewBackoff creates a backoff with the given base delay and attempt budget.
func NewBackoff(base time.Duration, max int) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay before the next attempt, or false once the budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.Max {
		return 0, false
	}
	d := b.Base << uint(b.attempt)
	b.attempt++
	return d, true
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restores the full budget.
func (b *Backoff) Reset() { b.attempt = 0 }

// ============================================================================
// Configuration
// ============================================================================

// ConnConfig configures a ConnManager.
type ConnConfig struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	Dialer               Dialer
	Logger               *zerolog.Logger
}

func (c *ConnConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &WebSocketDialer{}
	}
}

// InboundHandler receives the data of one inbound socket event.
type InboundHandler func(data json.RawMessage)

type ackResult struct {
	data json.RawMessage
	err  error
}

type timerStopper interface {
	Stop() bool
}

// ============================================================================
// ConnManager
// ============================================================================

// ConnManager owns the single socket connection of a session. It reconnects with
// bounded exponential backoff and delivers inbound events in arrival order on the
// read goroutine of the live transport.
type ConnManager struct {
	cfg   ConnConfig
	token func() string
	log   zerolog.Logger

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu            sync.Mutex
	writeMu       sync.Mutex
	status        ConnStatus
	allow         bool
	everConnected bool
	torn          bool
	gaveUp        bool
	gen           uint64
	transport     Transport
	connCancel    context.CancelFunc
	backoff       *Backoff
	connectErrors int
	timer         timerStopper
	pending       *Frame
	ackSeq        uint64
	acks          map[uint64]chan ackResult

	handlers map[string][]InboundHandler
	onOpen   []func()
	onClose  []func(reason string)
	onStatus []func(ConnStatus)
	onError  []func(error)

	afterFunc func(time.Duration, func()) timerStopper
}

// NewConnManager creates a manager that reads the current token from token on every
// connect attempt.
func NewConnManager(cfg ConnConfig, token func() string) *ConnManager {
	cfg.defaults()
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnManager{
		cfg:        cfg,
		token:      token,
		log:        log,
		lifeCtx:    ctx,
		lifeCancel: cancel,
		status:     ConnDisconnected,
		allow:      true,
		backoff:    NewBackoff(cfg.ReconnectBaseDelay, cfg.MaxReconnectAttempts),
		acks:       make(map[uint64]chan ackResult),
		handlers:   make(map[string][]InboundHandler),
		afterFunc: func(d time.Duration, f func()) timerStopper {
			return time.AfterFunc(d, f)
		},
	}
}

// On registers a handler for an inbound socket event.
func (c *ConnManager) On(event string, h InboundHandler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// OnOpen registers a callback for every successful connect.
func (c *ConnManager) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = append(c.onOpen, fn)
	c.mu.Unlock()
}

// OnClose registers a callback for every disconnect, with its reason.
func (c *ConnManager) OnClose(fn func(reason string)) {
	c.mu.Lock()
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// OnStatus registers a callback for every status transition.
func (c *ConnManager) OnStatus(fn func(ConnStatus)) {
	c.mu.Lock()
	c.onStatus = append(c.onStatus, fn)
	c.mu.Unlock()
}

// OnError registers a callback for connect errors.
func (c *ConnManager) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = append(c.onError, fn)
	c.mu.Unlock()
}

// Status returns the current status.
func (c *ConnManager) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// GaveUp reports whether automatic reconnection stopped after exhausting its budget.
func (c *ConnManager) GaveUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gaveUp
}

// SetAllowConnect gates Connect. Disallowing does not drop a live connection.
func (c *ConnManager) SetAllowConnect(allow bool) {
	c.mu.Lock()
	c.allow = allow
	c.mu.Unlock()
}

// Connect dials the socket. It is a no-op when connecting is disallowed, when there is
// no token, or when a connection is live or being established.
func (c *ConnManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.gaveUp = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *ConnManager) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return nil
	}
	token := ""
	if c.token != nil {
		token = c.token()
	}
	if !c.allow || token == "" {
		c.mu.Unlock()
		c.log.Debug().Bool("allow", c.allow).Bool("has_token", token != "").Msg("skipping connect")
		return nil
	}
	if c.status != ConnDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	notify := c.setStatusLocked(ConnConnecting)
	c.mu.Unlock()
	notify()

	c.log.Info().Str("url", c.cfg.URL).Msg("opening socket connection")
	t, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL, token)
	if err != nil {
		c.handleConnectError(gen, err)
		return fmt.Errorf("connect: %w", err)
	}
	c.handleConnected(gen, t)
	return nil
}

// setStatusLocked records s and returns a func that notifies observers; call it after
// releasing the lock.
func (c *ConnManager) setStatusLocked(s ConnStatus) func() {
	if c.status == s {
		return func() {}
	}
	c.status = s
	observers := append([]func(ConnStatus){}, c.onStatus...)
	return func() {
		for _, fn := range observers {
			c.safeCall(func() { fn(s) })
		}
	}
}

func (c *ConnManager) handleConnected(gen uint64, t Transport) {
	c.mu.Lock()
	if gen != c.gen || c.torn {
		c.mu.Unlock()
		_ = t.Close(ReasonClientDisconnect)
		return
	}
	c.transport = t
	next := ConnConnected
	if c.everConnected {
		next = ConnRestored
	}
	c.everConnected = true
	c.backoff.Reset()
	c.connectErrors = 0
	connCtx, cancel := context.WithCancel(c.lifeCtx)
	c.connCancel = cancel
	pending := c.pending
	c.pending = nil
	notify := c.setStatusLocked(next)
	opens := append([]func(){}, c.onOpen...)
	c.mu.Unlock()

	c.log.Info().Str("status", string(next)).Msg("socket connected")
	notify()
	for _, fn := range opens {
		c.safeCall(fn)
	}

	go c.readLoop(connCtx, gen, t)
	if p, ok := t.(Pinger); ok && c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(connCtx, gen, t, p)
	}

	if pending != nil {
		if err := c.writeFrame(connCtx, t, pending); err != nil {
			c.log.Warn().Err(err).Str("event", pending.Event).Msg("pending send failed")
		}
	}
}

func (c *ConnManager) handleConnectError(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.torn {
		c.mu.Unlock()
		return
	}
	c.connectErrors++
	attempts := c.connectErrors
	notify := c.setStatusLocked(ConnDisconnected)
	var delay time.Duration
	scheduled := false
	if attempts >= c.cfg.MaxReconnectAttempts {
		c.gaveUp = true
		c.pending = nil
	} else if d, ok := c.backoff.Next(); ok {
		delay = d
		scheduled = true
		c.scheduleLocked(d)
	} else {
		c.gaveUp = true
		c.pending = nil
	}
	errs := append([]func(error){}, c.onError...)
	c.mu.Unlock()

	notify()
	for _, fn := range errs {
		c.safeCall(func() { fn(err) })
	}
	ev := c.log.Warn().Err(err).Int("attempts", attempts)
	switch {
	case scheduled:
		ev.Dur("retry_in", delay).Msg("socket connect error, retrying")
	default:
		ev.Msg("socket connect error, giving up")
	}
}

func (c *ConnManager) handleDisconnect(gen uint64, reason string) {
	c.mu.Lock()
	if gen != c.gen || c.torn {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.transport = nil
	acks := c.takeAcksLocked()
	notify := c.setStatusLocked(ConnDisconnected)
	var delay time.Duration
	scheduled := false
	if reason != ReasonClientDisconnect {
		if d, ok := c.backoff.Next(); ok {
			delay = d
			scheduled = true
			c.scheduleLocked(d)
		} else {
			c.gaveUp = true
		}
	}
	closes := append([]func(string){}, c.onClose...)
	c.mu.Unlock()

	failAcks(acks, ErrConnectionLost)
	notify()
	for _, fn := range closes {
		c.safeCall(func() { fn(reason) })
	}
	switch {
	case scheduled:
		c.log.Warn().Str("reason", reason).Dur("retry_in", delay).Msg("socket closed abnormally, reconnecting")
	case reason == ReasonClientDisconnect:
		c.log.Info().Msg("socket closed by client")
	default:
		c.log.Warn().Str("reason", reason).Msg("socket closed, reconnect budget exhausted")
	}
}

func (c *ConnManager) scheduleLocked(d time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = c.afterFunc(d, c.reconnect)
}

func (c *ConnManager) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.lifeCtx, c.cfg.DialTimeout)
	defer cancel()
	_ = c.connect(ctx)
}

func (c *ConnManager) readLoop(ctx context.Context, gen uint64, t Transport) {
	for {
		data, err := t.ReadFrame(ctx)
		if err != nil {
			c.handleDisconnect(gen, disconnectReason(err))
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		if f.Event == socketAck {
			c.resolveAck(f)
			continue
		}
		c.deliver(f)
	}
}

func (c *ConnManager) deliver(f Frame) {
	c.mu.Lock()
	handlers := append([]InboundHandler{}, c.handlers[f.Event]...)
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.log.Debug().Str("event", f.Event).Msg("no handler for socket event")
		return
	}
	for _, h := range handlers {
		c.safeCall(func() { h(f.Data) })
	}
}

func (c *ConnManager) heartbeatLoop(ctx context.Context, gen uint64, t Transport, p Pinger) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
			err := p.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("heartbeat failed, closing socket")
				_ = t.Close(ReasonPingTimeout)
				c.handleDisconnect(gen, ReasonPingTimeout)
				return
			}
		}
	}
}

// ============================================================================
// Sending
// ============================================================================

// Send emits event with payload. When not connected the frame becomes the single
// pending send (replacing an older one) and a connect is attempted; the frame goes out
// on the next successful connect.
func (c *ConnManager) Send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	f := &Frame{Event: event, Data: data}

	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.token == nil || c.token() == "" {
		c.mu.Unlock()
		c.log.Warn().Str("event", event).Msg("no token, dropping send")
		return ErrNotAuthenticated
	}
	t := c.transport
	if !c.status.Live() || t == nil {
		c.pending = f
		c.mu.Unlock()
		c.log.Warn().Str("event", event).Msg("not connected, send deferred until connect")
		if err := c.Connect(ctx); err != nil {
			c.log.Warn().Err(err).Msg("connect for deferred send failed")
		}
		return nil
	}
	c.mu.Unlock()
	return c.writeFrame(ctx, t, f)
}

// EmitWithAck emits event and waits for the server's single ack. It fails fast with
// ErrNotConnected, and with ErrConnectionLost if the connection drops while waiting.
func (c *ConnManager) EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}

	c.mu.Lock()
	t := c.transport
	if c.torn || !c.status.Live() || t == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.ackSeq++
	id := c.ackSeq
	ch := make(chan ackResult, 1)
	c.acks[id] = ch
	c.mu.Unlock()

	if err := c.writeFrame(ctx, t, &Frame{Event: event, Data: data, Ack: id}); err != nil {
		c.dropAck(id)
		return nil, fmt.Errorf("emit %s: %w", event, err)
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		c.dropAck(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("emit %s: %w", event, ErrAckTimeout)
		}
		return nil, ctx.Err()
	}
}

func (c *ConnManager) writeFrame(ctx context.Context, t Transport, f *Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return t.WriteFrame(ctx, b)
}

func (c *ConnManager) resolveAck(f Frame) {
	c.mu.Lock()
	ch, ok := c.acks[f.Ack]
	delete(c.acks, f.Ack)
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Uint64("ack", f.Ack).Msg("ack for unknown or expired emit")
		return
	}
	ch <- ackResult{data: f.Data}
}

func (c *ConnManager) dropAck(id uint64) {
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}

func (c *ConnManager) takeAcksLocked() map[uint64]chan ackResult {
	acks := c.acks
	c.acks = make(map[uint64]chan ackResult)
	return acks
}

func failAcks(acks map[uint64]chan ackResult, err error) {
	for _, ch := range acks {
		ch <- ackResult{err: err}
	}
}

// ============================================================================
// Teardown
// ============================================================================

// Disconnect closes the connection on the client's initiative; no reconnect follows.
// Calling it again is a no-op.
func (c *ConnManager) Disconnect() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = nil
	t := c.transport
	c.transport = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.gen++
	wasUp := c.status != ConnDisconnected
	notify := c.setStatusLocked(ConnDisconnected)
	acks := c.takeAcksLocked()
	closes := append([]func(string){}, c.onClose...)
	c.mu.Unlock()

	if t != nil {
		_ = t.Close(ReasonClientDisconnect)
	}
	failAcks(acks, ErrConnectionLost)
	if wasUp {
		notify()
		for _, fn := range closes {
			c.safeCall(func() { fn(ReasonClientDisconnect) })
		}
	}
}

// Close disconnects, clears any reconnect timer and deregisters every listener. The
// manager cannot be reused afterwards. Calling it again is a no-op.
func (c *ConnManager) Close() {
	c.Disconnect()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn {
		return
	}
	c.torn = true
	c.handlers = make(map[string][]InboundHandler)
	c.onOpen, c.onClose, c.onStatus, c.onError = nil, nil, nil, nil
	c.lifeCancel()
}

func (c *ConnManager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("connection callback panicked")
		}
	}()
	fn()
}
