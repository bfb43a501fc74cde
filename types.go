package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNotConnected     = errors.New("chatsync: not connected")
	ErrConnectionLost   = errors.New("chatsync: connection lost")
	ErrEmptyContent     = errors.New("chatsync: message content is empty")
	ErrNotAuthenticated = errors.New("chatsync: not authenticated")
	ErrUnauthorized     = errors.New("chatsync: unauthorized")
	ErrSendFailed       = errors.New("chatsync: send failed")
	ErrAckTimeout       = errors.New("chatsync: ack timeout")
)

// APIError represents a non-2xx response from the chat HTTP API.
type APIError struct {
	Status int    `json:"-"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Detail)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// ============================================================================
// Enums
// ============================================================================

// MessageType is the routing tag of a message.
type MessageType string

const (
	TypePrivateChat      MessageType = "private_chat"
	TypeGroupChat        MessageType = "group_chat"
	TypeBroadcast        MessageType = "broadcast"
	TypeChatHistory      MessageType = "chat_history"
	TypeSystem           MessageType = "system"
	TypeValidation       MessageType = "validation"
	TypeUserListUpdate   MessageType = "user_list_update"
	TypeError            MessageType = "error"
	TypeGetUsers         MessageType = "get_users"
	TypeRemoteControl    MessageType = "remote_control"
	TypeOpenPath         MessageType = "open-path"
	TypeUserStatusUpdate MessageType = "user_status_update"
	TypeSelfChat         MessageType = "self_chat"
)

// MessageTypes lists every known message type.
var MessageTypes = []MessageType{
	TypePrivateChat, TypeGroupChat, TypeBroadcast, TypeChatHistory, TypeSystem,
	TypeValidation, TypeUserListUpdate, TypeError, TypeGetUsers, TypeRemoteControl,
	TypeOpenPath, TypeUserStatusUpdate, TypeSelfChat,
}

// ContentType describes how Message.Content is encoded.
type ContentType string

const (
	ContentHTML      ContentType = "html"
	ContentPlainText ContentType = "plain_text"
	ContentText      ContentType = "text"
	ContentRichText  ContentType = "rich_text"
	ContentImage     ContentType = "image"
	ContentVideo     ContentType = "video"
	ContentAudio     ContentType = "audio"
	ContentFile      ContentType = "file"
	ContentURL       ContentType = "url"
	ContentUserList  ContentType = "user_list"
)

// IsMarkup reports whether the content is HTML-like and needs markup stripping.
func (c ContentType) IsMarkup() bool {
	return c == ContentHTML || c == ContentRichText || c == ""
}

// MessageStatus is one member of a message's status set.
type MessageStatus string

const (
	StatusUnread  MessageStatus = "unread"
	StatusRead    MessageStatus = "read"
	StatusPending MessageStatus = "pending"
	StatusSuccess MessageStatus = "success"
	StatusFailed  MessageStatus = "failed"
)

// StatusSet is the set of statuses carried by a message.
type StatusSet []MessageStatus

// Has reports whether s contains st.
func (s StatusSet) Has(st MessageStatus) bool {
	for _, v := range s {
		if v == st {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts a single status string as well as a list.
func (s *StatusSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one MessageStatus
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StatusSet{one}
		return nil
	}
	var many []MessageStatus
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Direction marks whether a message is a client request or a server response.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// Role is a user's role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleSystem Role = "system"
	RoleTest   Role = "test"
)

// ============================================================================
// Identifiers
// ============================================================================

// MessageID is a server-assigned message id. The wire carries either a string or a
// number; both decode into the same textual form.
type MessageID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = MessageID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		*id = MessageID(n.String())
	}
	return nil
}

// MarshalJSON writes canonical integer ids as numbers, others as strings, empty
// as null. "007" or "+5" stay strings so the output is valid JSON and the id
// survives a round trip unchanged.
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Recipient is a single username/group name or a list of them.
type Recipient []string

// To builds a single-target recipient.
func To(name string) Recipient { return Recipient{name} }

// First returns the first target, or "".
func (r Recipient) First() string {
	if len(r) == 0 {
		return ""
	}
	return r[0]
}

// Contains reports whether name is one of the targets.
func (r Recipient) Contains(name string) bool {
	for _, v := range r {
		if v == name {
			return true
		}
	}
	return false
}

// UnmarshalJSON accepts a string or a list of strings.
func (r *Recipient) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*r = nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = Recipient{s}
	default:
		var many []string
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*r = many
	}
	return nil
}

// MarshalJSON writes a single target as a plain string.
func (r Recipient) MarshalJSON() ([]byte, error) {
	if len(r) == 1 {
		return json.Marshal(r[0])
	}
	return json.Marshal([]string(r))
}

// ============================================================================
// Messages
// ============================================================================

// Message is a chat message or a control payload routed by MessageType.
type Message struct {
	ID                  MessageID       `json:"id,omitempty"`
	LocalID             string          `json:"-"`
	Sender              string          `json:"sender,omitempty"`
	Recipient           Recipient       `json:"recipient,omitempty"`
	RecipientType       string          `json:"recipient_type,omitempty"`
	Content             json.RawMessage `json:"content,omitempty"`
	Timestamp           string          `json:"timestamp,omitempty"`
	MessageType         MessageType     `json:"message_type"`
	ContentType         ContentType     `json:"message_content_type,omitempty"`
	Status              StatusSet       `json:"status,omitempty"`
	Direction           Direction       `json:"direction,omitempty"`
	PopupMessage        bool            `json:"popup_message,omitempty"`
	ValidationType      string          `json:"validation_type,omitempty"`
	ValidationExtraData map[string]any  `json:"validation_extra_data,omitempty"`
}

// Pending reports whether m is an optimistic placeholder awaiting its server id.
func (m *Message) Pending() bool {
	return m.ID == "" && m.LocalID != ""
}

// Text returns Content as a string when it is a JSON string, or the raw JSON otherwise.
func (m *Message) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return string(m.Content)
}

// SetText stores s as a JSON string content.
func (m *Message) SetText(s string) {
	b, _ := json.Marshal(s)
	m.Content = b
}

// DecodeContent unmarshals a structured Content payload into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("message has no content")
	}
	return json.Unmarshal(m.Content, v)
}

// Time parses Timestamp; the zero time is returned when it is absent or malformed.
func (m *Message) Time() time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, m.Timestamp); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (m Message) clone() Message {
	c := m
	if m.Content != nil {
		c.Content = append(json.RawMessage(nil), m.Content...)
	}
	c.Recipient = append(Recipient(nil), m.Recipient...)
	c.Status = append(StatusSet(nil), m.Status...)
	return c
}

// Ack is the server's answer to an emitted message.
type Ack struct {
	ID     MessageID `json:"id"`
	Status StatusSet `json:"status"`
	Detail string    `json:"detail,omitempty"`
}

// ============================================================================
// Users and groups
// ============================================================================

// UserRecord is one entry of the user directory.
type UserRecord struct {
	ID                 int       `json:"id"`
	Username           string    `json:"username"`
	Nickname           string    `json:"nickname,omitempty"`
	Email              string    `json:"email,omitempty"`
	Role               Role      `json:"role,omitempty"`
	AvatarIndex        int       `json:"avatar_index"`
	Online             bool      `json:"online"`
	UnreadMessageCount int       `json:"unread_message_count"`
	Messages           []Message `json:"messages,omitempty"`
	IsStarred          bool      `json:"-"`
}

// DisplayName prefers the nickname.
func (u *UserRecord) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

func (u UserRecord) clone() UserRecord {
	c := u
	if u.Messages != nil {
		c.Messages = make([]Message, len(u.Messages))
		for i, m := range u.Messages {
			c.Messages[i] = m.clone()
		}
	}
	return c
}

// Group is a named chat group.
type Group struct {
	ID      int          `json:"id"`
	Name    string       `json:"name"`
	Members []UserRecord `json:"members,omitempty"`
}

// Directory is the full user map: the current user plus every known user.
type Directory struct {
	CurrentUser UserRecord            `json:"current_user"`
	UserMap     map[string]UserRecord `json:"user_map"`
}

// Clone returns a deep copy.
func (d *Directory) Clone() *Directory {
	if d == nil {
		return nil
	}
	c := &Directory{
		CurrentUser: d.CurrentUser.clone(),
		UserMap:     make(map[string]UserRecord, len(d.UserMap)),
	}
	for k, u := range d.UserMap {
		c.UserMap[k] = u.clone()
	}
	return c
}

// ============================================================================
// Payloads
// ============================================================================

// UserStatus is the content of a user_status_update message.
type UserStatus struct {
	Username    string `json:"username"`
	Nickname    string `json:"nickname,omitempty"`
	Online      bool   `json:"online"`
	AvatarIndex *int   `json:"avatar_index,omitempty"`
}

// UserList is the content of get_users and user_list_update messages.
type UserList struct {
	UserList []UserRecord `json:"user_list"`
	Groups   []Group      `json:"groups,omitempty"`
}

// ChatHistory is the payload of a chat_history message. Messages may arrive either in
// the Messages field or as the message's Content.
type ChatHistory struct {
	Username string    `json:"username"`
	Messages []Message `json:"messages"`
}

// ============================================================================
// HTTP contracts
// ============================================================================

// AuthResponse is returned by POST /api/login.
type AuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Detail      string `json:"detail,omitempty"`
}

// Registration is the body of POST /register.
type Registration struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Nickname    string `json:"nickname,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarIndex int    `json:"avatar_index"`
}

// RegisterResult is returned by POST /register.
type RegisterResult struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}
