package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Router decodes inbound messages and applies them to the cache by MessageType.
// Dispatch is called from the connection's read goroutine, so messages are applied in
// arrival order.
type Router struct {
	store    *DirectoryStore
	presence *Presence
	events   *Emitter
	log      zerolog.Logger
}

// NewRouter creates a router writing to store, presence and events.
func NewRouter(store *DirectoryStore, presence *Presence, events *Emitter, log zerolog.Logger) *Router {
	return &Router{store: store, presence: presence, events: events, log: log}
}

// Dispatch routes one inbound payload. It accepts raw JSON ([]byte, string,
// json.RawMessage), a Message or *Message, or a decoded map. Payloads that cannot be
// decoded, and unknown message types, are logged and dropped.
func (r *Router) Dispatch(payload any) {
	m, err := decodeMessage(payload)
	if err != nil {
		r.log.Warn().Err(err).Msg("dropping undecodable message")
		return
	}
	r.route(m)
}

func decodeMessage(payload any) (Message, error) {
	var raw []byte
	switch p := payload.(type) {
	case Message:
		return p, nil
	case *Message:
		if p == nil {
			return Message{}, fmt.Errorf("nil message")
		}
		return *p, nil
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	case map[string]any:
		b, err := json.Marshal(p)
		if err != nil {
			return Message{}, fmt.Errorf("re-encode map payload: %w", err)
		}
		raw = b
	default:
		return Message{}, fmt.Errorf("unsupported payload type %T", payload)
	}

	raw = bytes.TrimSpace(raw)
	// Some servers double-encode the message as a JSON string.
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Message{}, err
		}
		raw = []byte(inner)
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (r *Router) route(m Message) {
	switch m.MessageType {
	case TypePrivateChat, TypeValidation:
		r.handleChat(m)
	case TypeSelfChat:
		r.handleSelfChat(m)
	case TypeGroupChat:
		r.handleGroupChat(m)
	case TypeGetUsers:
		r.handleUserList(m, true)
	case TypeUserListUpdate:
		r.handleUserList(m, false)
	case TypeUserStatusUpdate:
		var st UserStatus
		if err := m.DecodeContent(&st); err != nil {
			r.log.Warn().Err(err).Msg("bad user_status_update content")
			return
		}
		r.ApplyStatus(st)
	case TypeChatHistory:
		r.handleHistory(m)
	case TypeSystem:
		r.events.Emit(EventSystem, m)
	case TypeBroadcast:
		r.events.Emit(EventBroadcast, m)
	case TypeError:
		r.log.Warn().Str("content", m.Text()).Msg("server error message")
		r.events.Emit(EventServerError, m)
	case TypeRemoteControl:
		r.events.Emit(EventRemoteControl, m)
	case TypeOpenPath:
		r.events.Emit(EventOpenPath, m)
	default:
		r.log.Warn().Str("message_type", string(m.MessageType)).Msg("no handler for message type")
	}
}

// owner returns whose record holds m: the current user's when they sent it, otherwise
// the sender's.
func (r *Router) owner(m Message, me string) string {
	if m.Sender == me {
		return me
	}
	return m.Sender
}

func (r *Router) handleChat(m Message) {
	me := r.store.Me()
	if me == "" {
		r.log.Warn().Str("sender", m.Sender).Msg("message before directory load, dropping")
		return
	}
	owner := r.owner(m, me)
	appended, ok := r.store.UpsertMessage(owner, m)
	if !ok {
		r.log.Warn().Str("owner", owner).Msg("message for unknown user, invalidating directory")
		r.store.cache.Invalidate(KeyUsers)
		r.store.cache.SetShouldRefetch(true)
		return
	}
	if owner == me {
		return
	}
	if appended {
		r.presence.OnInbound(owner)
		r.events.Emit(EventNewMessage, m)
	}
}

func (r *Router) handleSelfChat(m Message) {
	me := r.store.Me()
	if me == "" {
		r.log.Warn().Msg("self_chat before directory load, dropping")
		return
	}
	r.store.UpsertMessage(me, m)
}

func (r *Router) handleGroupChat(m Message) {
	group := m.Recipient.First()
	if group == "" {
		r.log.Warn().Str("sender", m.Sender).Msg("group_chat without recipient")
		return
	}
	appended := r.store.UpsertGroupMessage(group, m)
	if appended && m.Sender != r.store.Me() {
		r.presence.OnInboundGroup(group)
		r.events.Emit(EventNewMessage, m)
	}
}

func (r *Router) handleUserList(m Message, replace bool) {
	list, err := decodeUserList(m.Content)
	if err != nil {
		r.log.Warn().Err(err).Str("message_type", string(m.MessageType)).Msg("bad user list content")
		return
	}
	if !r.store.ApplyUserList(list.UserList, replace) {
		r.log.Debug().Msg("user list before directory load, invalidating")
		r.store.cache.Invalidate(KeyUsers)
		return
	}
	if len(list.Groups) > 0 {
		r.store.cache.Set(KeyGroups, list.Groups)
	}
	r.events.Emit(EventDirectory, len(list.UserList))
}

func decodeUserList(content json.RawMessage) (UserList, error) {
	var list UserList
	content = bytes.TrimSpace(content)
	if len(content) > 0 && content[0] == '[' {
		err := json.Unmarshal(content, &list.UserList)
		return list, err
	}
	err := json.Unmarshal(content, &list)
	return list, err
}

// ApplyStatus patches the presence fields of one user. It also serves the socket's
// user_status event.
func (r *Router) ApplyStatus(st UserStatus) {
	if st.Username == "" {
		r.log.Warn().Msg("user status without username")
		return
	}
	if !r.store.PatchStatus(st) {
		r.log.Debug().Str("username", st.Username).Msg("status for unknown user")
		return
	}
	r.log.Info().Str("username", st.Username).Bool("online", st.Online).Msg("user status changed")
}

func (r *Router) handleHistory(m Message) {
	h, err := decodeHistory(m)
	if err != nil {
		r.log.Warn().Err(err).Msg("bad chat_history content")
		return
	}
	partner := h.Username
	if partner == "" {
		// No explicit owner: the conversation is with the sender, or with the
		// recipient when the current user sent it.
		partner = m.Sender
		if me := r.store.Me(); me != "" && m.Sender == me && m.Recipient.First() != "" {
			partner = m.Recipient.First()
		}
	}
	if partner == "" {
		r.log.Warn().Msg("chat_history without owner")
		return
	}
	if !r.store.ReplaceHistory(partner, h.Messages) {
		r.log.Debug().Str("username", partner).Msg("history for unknown user")
	}
}

// decodeHistory accepts {username, messages} or a bare message list. Username stays
// empty when the payload does not name the conversation.
func decodeHistory(m Message) (ChatHistory, error) {
	content := bytes.TrimSpace(m.Content)
	var h ChatHistory
	if len(content) > 0 && content[0] == '[' {
		err := json.Unmarshal(content, &h.Messages)
		return h, err
	}
	err := json.Unmarshal(content, &h)
	return h, err
}
