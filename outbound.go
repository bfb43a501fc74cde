package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AckEmitter is the part of the connection the pipeline sends through.
type AckEmitter interface {
	Status() ConnStatus
	EmitWithAck(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// Draft is a message composed by the user.
type Draft struct {
	Recipient   string
	Content     string
	ContentType ContentType
	MessageType MessageType
	Group       bool
}

// Pipeline sends drafts with a two-phase optimistic update: a placeholder is shown
// immediately and later promoted to its server id or discarded.
type Pipeline struct {
	conn       AckEmitter
	store      *DirectoryStore
	events     *Emitter
	limiter    *rate.Limiter
	ackTimeout time.Duration
	strip      *bluemonday.Policy
	log        zerolog.Logger
}

// NewPipeline creates a pipeline. A nil limiter disables throttling.
func NewPipeline(conn AckEmitter, store *DirectoryStore, events *Emitter, limiter *rate.Limiter, ackTimeout time.Duration, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		conn:       conn,
		store:      store,
		events:     events,
		limiter:    limiter,
		ackTimeout: ackTimeout,
		strip:      bluemonday.StrictPolicy(),
		log:        log,
	}
}

// IsBlank reports whether content has nothing visible once markup, entities and
// whitespace are removed.
func (p *Pipeline) IsBlank(content string, ct ContentType) bool {
	return strings.TrimSpace(plainText(p.strip, content, ct)) == ""
}

// PlainText renders content as display text, dropping markup for markup content types.
func PlainText(content string, ct ContentType) string {
	return strings.TrimSpace(plainText(bluemonday.StrictPolicy(), content, ct))
}

func plainText(strip *bluemonday.Policy, content string, ct ContentType) string {
	if ct.IsMarkup() {
		content = html.UnescapeString(strip.Sanitize(content))
	}
	return strings.ReplaceAll(content, "\u00a0", " ")
}

// Send validates d, inserts a pending placeholder, emits it once and settles the
// placeholder with the server's answer. On failure the placeholder is removed and the
// error wraps ErrSendFailed (or the connection error that caused it).
func (p *Pipeline) Send(ctx context.Context, d Draft) (Message, error) {
	if d.ContentType == "" {
		d.ContentType = ContentHTML
	}
	if p.IsBlank(d.Content, d.ContentType) {
		return Message{}, ErrEmptyContent
	}
	if !p.conn.Status().Live() {
		return Message{}, ErrNotConnected
	}
	me := p.store.Me()
	if me == "" {
		return Message{}, ErrNotAuthenticated
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return Message{}, fmt.Errorf("send throttled: %w", err)
		}
	}

	m := p.compose(me, d)
	localID, err := p.store.BeginPending(m)
	if err != nil {
		return Message{}, err
	}
	m.LocalID = localID
	p.store.cache.SetShouldRefetch(true)
	defer p.store.cache.Invalidate(KeyUsers)

	p.log.Debug().Str("local_id", localID).Str("recipient", d.Recipient).Msg("sending message")

	ackCtx := ctx
	if p.ackTimeout > 0 {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(ctx, p.ackTimeout)
		defer cancel()
	}
	raw, err := p.conn.EmitWithAck(ackCtx, SocketMessage, m)
	if err == nil {
		var ack Ack
		if err = json.Unmarshal(raw, &ack); err != nil {
			err = fmt.Errorf("decode ack: %w", err)
		} else if ack.ID == "" || ack.Status.Has(StatusFailed) {
			err = fmt.Errorf("%w: %s", ErrSendFailed, ackDetail(ack))
		} else {
			sent, perr := p.store.Promote(localID, ack.ID)
			if perr == nil {
				p.log.Info().Str("id", string(ack.ID)).Str("recipient", d.Recipient).Msg("message delivered")
				return sent, nil
			}
			err = perr
		}
	}

	p.store.Discard(localID)
	if !errors.Is(err, ErrSendFailed) {
		err = fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	p.log.Warn().Err(err).Str("local_id", localID).Msg("message send failed, placeholder discarded")
	p.events.Emit(EventSendFailed, err)
	return Message{}, err
}

func (p *Pipeline) compose(me string, d Draft) Message {
	m := Message{
		Sender:        me,
		Recipient:     To(d.Recipient),
		RecipientType: "private",
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		MessageType:   d.MessageType,
		ContentType:   d.ContentType,
		Direction:     DirectionRequest,
	}
	if d.Group {
		m.RecipientType = "group"
		if m.MessageType == "" {
			m.MessageType = TypeGroupChat
		}
	}
	if m.MessageType == "" {
		m.MessageType = TypePrivateChat
	}
	if d.Recipient == me && !d.Group {
		m.RecipientType = "self_chat"
	}
	m.SetText(d.Content)
	return m
}

func ackDetail(a Ack) string {
	if a.Detail != "" {
		return a.Detail
	}
	if a.ID == "" {
		return "ack without message id"
	}
	return "rejected by server"
}
