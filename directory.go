package chatsync

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DirectoryStore holds the typed operations on the cached Directory (key "users") and
// on group message lists. Every mutation copies the directory, edits the copy and
// stores it through Cache.Update, so values handed out earlier never change under a
// reader.
type DirectoryStore struct {
	cache *Cache
	log   zerolog.Logger
}

// NewDirectoryStore binds typed directory operations to cache.
func NewDirectoryStore(cache *Cache, log zerolog.Logger) *DirectoryStore {
	return &DirectoryStore{cache: cache, log: log}
}

// Snapshot returns a deep copy of the cached directory.
func (s *DirectoryStore) Snapshot() (*Directory, bool) {
	v, ok := s.cache.Get(KeyUsers)
	if !ok {
		return nil, false
	}
	d, ok := v.(*Directory)
	if !ok || d == nil {
		return nil, false
	}
	return d.Clone(), true
}

// Replace stores d as the directory.
func (s *DirectoryStore) Replace(d *Directory) {
	if d.UserMap == nil {
		d.UserMap = make(map[string]UserRecord)
	}
	s.cache.Set(KeyUsers, d)
}

// Me returns the current user's username, or "" when no directory is cached.
func (s *DirectoryStore) Me() string {
	v, ok := s.cache.Get(KeyUsers)
	if !ok {
		return ""
	}
	if d, ok := v.(*Directory); ok && d != nil {
		return d.CurrentUser.Username
	}
	return ""
}

// User returns a copy of one user record. The current user is found too.
func (s *DirectoryStore) User(username string) (UserRecord, bool) {
	d, ok := s.Snapshot()
	if !ok {
		return UserRecord{}, false
	}
	if d.CurrentUser.Username == username {
		return d.CurrentUser, true
	}
	u, ok := d.UserMap[username]
	return u, ok
}

// mutate runs fn on a copy of the directory and stores the copy when fn reports a change.
func (s *DirectoryStore) mutate(fn func(d *Directory) bool) bool {
	return s.cache.Update(KeyUsers, func(old any, exists bool) (any, bool) {
		cur, _ := old.(*Directory)
		if !exists || cur == nil {
			return nil, false
		}
		next := cur.Clone()
		if !fn(next) {
			return nil, false
		}
		return next, true
	})
}

// withUser edits the record of username in place. For the current user both the
// current_user record and a user_map entry of the same name are edited.
func withUser(d *Directory, username string, fn func(u *UserRecord)) bool {
	found := false
	if d.CurrentUser.Username == username {
		fn(&d.CurrentUser)
		found = true
	}
	if u, ok := d.UserMap[username]; ok {
		fn(&u)
		d.UserMap[username] = u
		found = true
	}
	return found
}

// upsertMessage applies the append-or-replace rule: a message whose id (or, for
// placeholders, local id) already exists replaces it in place; otherwise it is appended.
func upsertMessage(seq []Message, m Message) ([]Message, bool) {
	for i := range seq {
		if m.ID != "" && seq[i].ID == m.ID {
			seq[i] = m
			return seq, false
		}
		if m.ID == "" && m.LocalID != "" && seq[i].LocalID == m.LocalID {
			seq[i] = m
			return seq, false
		}
	}
	return append(seq, m), true
}

// UpsertMessage appends or replaces m in the message sequence owned by owner. It
// reports whether m was newly appended; exists is false when owner is unknown.
func (s *DirectoryStore) UpsertMessage(owner string, m Message) (appended, exists bool) {
	s.mutate(func(d *Directory) bool {
		if d.CurrentUser.Username == owner {
			d.CurrentUser.Messages, appended = upsertMessage(d.CurrentUser.Messages, m.clone())
			exists = true
			return true
		}
		u, ok := d.UserMap[owner]
		if !ok {
			return false
		}
		u.Messages, appended = upsertMessage(u.Messages, m.clone())
		d.UserMap[owner] = u
		exists = true
		return true
	})
	return appended, exists
}

// inConversation reports whether m, held in the current user's record, belongs to
// the conversation with partner. Self-chat messages may carry no recipient.
func inConversation(m Message, me, partner string) bool {
	if m.Recipient.Contains(partner) {
		return true
	}
	return partner == me && len(m.Recipient) == 0
}

// ReplaceHistory bulk-replaces the conversation with partner. Messages sent by the
// current user replace only that conversation's slice of the current user's record;
// the partner's record takes the rest. Pending placeholders and other conversations
// are left alone.
func (s *DirectoryStore) ReplaceHistory(partner string, msgs []Message) bool {
	return s.mutate(func(d *Directory) bool {
		me := d.CurrentUser.Username
		if _, ok := d.UserMap[partner]; !ok && partner != me {
			return false
		}
		var mine, theirs []Message
		for _, m := range msgs {
			if m.Sender == me || partner == me {
				mine = append(mine, m)
			} else {
				theirs = append(theirs, m)
			}
		}
		if partner != me {
			u := d.UserMap[partner]
			u.Messages = make([]Message, 0, len(theirs))
			for _, m := range theirs {
				u.Messages, _ = upsertMessage(u.Messages, m.clone())
			}
			d.UserMap[partner] = u
		}
		if me == "" {
			return true
		}
		kept := make([]Message, 0, len(d.CurrentUser.Messages)+len(mine))
		for _, m := range d.CurrentUser.Messages {
			if m.Pending() || !inConversation(m, me, partner) {
				kept = append(kept, m)
			}
		}
		for _, m := range mine {
			kept, _ = upsertMessage(kept, m.clone())
		}
		d.CurrentUser.Messages = kept
		return true
	})
}

// ApplyUserList folds a user list into the directory. With replace set, users absent
// from list are dropped. Message history, unread counters and stars of users already
// known survive either way.
func (s *DirectoryStore) ApplyUserList(list []UserRecord, replace bool) bool {
	return s.mutate(func(d *Directory) bool {
		next := make(map[string]UserRecord, len(list))
		if !replace {
			for k, u := range d.UserMap {
				next[k] = u
			}
		}
		for _, fresh := range list {
			if fresh.Username == "" {
				continue
			}
			if fresh.Username == d.CurrentUser.Username {
				d.CurrentUser = keepLocal(fresh, d.CurrentUser)
			}
			if old, ok := d.UserMap[fresh.Username]; ok {
				fresh = keepLocal(fresh, old)
			}
			next[fresh.Username] = fresh
		}
		d.UserMap = next
		return true
	})
}

// keepLocal carries client-held state from old into fresh.
func keepLocal(fresh, old UserRecord) UserRecord {
	fresh.Messages = old.Messages
	fresh.UnreadMessageCount = old.UnreadMessageCount
	fresh.IsStarred = old.IsStarred
	return fresh
}

// PatchStatus updates the presence fields of exactly one user.
func (s *DirectoryStore) PatchStatus(st UserStatus) bool {
	return s.mutate(func(d *Directory) bool {
		return withUser(d, st.Username, func(u *UserRecord) {
			u.Online = st.Online
			if st.Nickname != "" {
				u.Nickname = st.Nickname
			}
			if st.AvatarIndex != nil {
				u.AvatarIndex = *st.AvatarIndex
			}
		})
	})
}

// SetUnread sets the unread counter of username.
func (s *DirectoryStore) SetUnread(username string, n int) bool {
	if n < 0 {
		n = 0
	}
	return s.mutate(func(d *Directory) bool {
		return withUser(d, username, func(u *UserRecord) { u.UnreadMessageCount = n })
	})
}

// IncrementUnread adds one to the unread counter of username.
func (s *DirectoryStore) IncrementUnread(username string) bool {
	return s.mutate(func(d *Directory) bool {
		return withUser(d, username, func(u *UserRecord) { u.UnreadMessageCount++ })
	})
}

// SetStarred flags username as starred. Stars never leave the client.
func (s *DirectoryStore) SetStarred(username string, starred bool) bool {
	return s.mutate(func(d *Directory) bool {
		return withUser(d, username, func(u *UserRecord) { u.IsStarred = starred })
	})
}

// ============================================================================
// Two-phase optimistic commit
// ============================================================================

// BeginPending inserts m as a placeholder into the current user's sequence and
// returns its correlation id. Any server id on m is cleared.
func (s *DirectoryStore) BeginPending(m Message) (string, error) {
	m.ID = ""
	m.LocalID = "temp-" + uuid.NewString()
	if !m.Status.Has(StatusPending) {
		m.Status = append(m.Status, StatusPending)
	}
	ok := s.mutate(func(d *Directory) bool {
		if d.CurrentUser.Username == "" {
			return false
		}
		d.CurrentUser.Messages = append(d.CurrentUser.Messages, m.clone())
		return true
	})
	if !ok {
		return "", ErrNotAuthenticated
	}
	return m.LocalID, nil
}

// Promote gives the placeholder localID its server id in place. If a message with id
// is already present (its echo arrived first) the placeholder is dropped instead.
func (s *DirectoryStore) Promote(localID string, id MessageID) (Message, error) {
	var promoted Message
	found := false
	s.mutate(func(d *Directory) bool {
		seq := d.CurrentUser.Messages
		idx, dup := -1, -1
		for i := range seq {
			if seq[i].LocalID == localID && seq[i].ID == "" {
				idx = i
			}
			if id != "" && seq[i].ID == id {
				dup = i
			}
		}
		if idx < 0 {
			return false
		}
		found = true
		if dup >= 0 {
			promoted = seq[dup].clone()
			d.CurrentUser.Messages = append(seq[:idx:idx], seq[idx+1:]...)
			return true
		}
		seq[idx].ID = id
		seq[idx].Status = withoutStatus(seq[idx].Status, StatusPending)
		if !seq[idx].Status.Has(StatusSuccess) {
			seq[idx].Status = append(seq[idx].Status, StatusSuccess)
		}
		promoted = seq[idx].clone()
		return true
	})
	if !found {
		return Message{}, fmt.Errorf("promote %s: placeholder not found", localID)
	}
	return promoted, nil
}

// Discard removes the placeholder localID, returning the sequence to its pre-send state.
func (s *DirectoryStore) Discard(localID string) bool {
	return s.mutate(func(d *Directory) bool {
		seq := d.CurrentUser.Messages
		for i := range seq {
			if seq[i].LocalID == localID && seq[i].ID == "" {
				d.CurrentUser.Messages = append(seq[:i:i], seq[i+1:]...)
				return true
			}
		}
		return false
	})
}

func withoutStatus(set StatusSet, st MessageStatus) StatusSet {
	out := set[:0:0]
	for _, v := range set {
		if v != st {
			out = append(out, v)
		}
	}
	return out
}

// ============================================================================
// Group conversations
// ============================================================================

// UpsertGroupMessage appends or replaces m in the message list of group.
func (s *DirectoryStore) UpsertGroupMessage(group string, m Message) bool {
	var appended bool
	s.cache.Update(MessagesKey(group), func(old any, exists bool) (any, bool) {
		cur, _ := old.([]Message)
		next := make([]Message, len(cur), len(cur)+1)
		copy(next, cur)
		next, appended = upsertMessage(next, m.clone())
		return next, true
	})
	return appended
}

// GroupMessages returns a copy of the message list of group.
func (s *DirectoryStore) GroupMessages(group string) []Message {
	v, ok := s.cache.Get(MessagesKey(group))
	if !ok {
		return nil
	}
	cur, _ := v.([]Message)
	return append([]Message(nil), cur...)
}

// ============================================================================
// Views
// ============================================================================

// Conversation merges both directions of the conversation with partner into one
// chronological list, de-duplicated by id.
func (s *DirectoryStore) Conversation(partner string) []Message {
	d, ok := s.Snapshot()
	if !ok {
		return nil
	}
	me := d.CurrentUser.Username
	var out []Message
	seen := make(map[string]bool)
	add := func(m Message) {
		key := string(m.ID)
		if key == "" {
			key = "local:" + m.LocalID
		}
		if key != "local:" && seen[key] {
			return
		}
		seen[key] = true
		out = append(out, m)
	}
	for _, m := range d.CurrentUser.Messages {
		if inConversation(m, me, partner) {
			add(m)
		}
	}
	if partner != me {
		if u, ok := d.UserMap[partner]; ok {
			for _, m := range u.Messages {
				add(m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Time(), out[j].Time()
		if ti.IsZero() || tj.IsZero() {
			return false
		}
		return ti.Before(tj)
	})
	return out
}

// MergeDirectory combines a freshly fetched directory with the cached one: stars,
// unread counters and pending placeholders are client state and are kept; message
// history is kept for users the server returned without messages.
func MergeDirectory(current, fresh *Directory) *Directory {
	out := fresh.Clone()
	if out.UserMap == nil {
		out.UserMap = make(map[string]UserRecord)
	}
	if current == nil {
		return out
	}
	out.CurrentUser = mergeRecord(current.CurrentUser, out.CurrentUser)
	for name, u := range out.UserMap {
		if old, ok := current.UserMap[name]; ok {
			out.UserMap[name] = mergeRecord(old, u)
		}
	}
	return out
}

func mergeRecord(old, fresh UserRecord) UserRecord {
	if old.Username != fresh.Username {
		return fresh
	}
	fresh.IsStarred = old.IsStarred
	fresh.UnreadMessageCount = old.UnreadMessageCount
	if len(fresh.Messages) == 0 {
		fresh.Messages = old.clone().Messages
		return fresh
	}
	for _, m := range old.Messages {
		if m.Pending() {
			fresh.Messages, _ = upsertMessage(fresh.Messages, m.clone())
		}
	}
	return fresh
}

// SortedUsers returns the directory's users, starred first, then online, then by
// username. The current user is not included.
func (d *Directory) SortedUsers() []UserRecord {
	out := make([]UserRecord, 0, len(d.UserMap))
	for name, u := range d.UserMap {
		if name == d.CurrentUser.Username {
			continue
		}
		out = append(out, u)
	}
	sortUsers(out)
	return out
}

func sortUsers(users []UserRecord) {
	sort.SliceStable(users, func(i, j int) bool {
		a, b := users[i], users[j]
		if a.IsStarred != b.IsStarred {
			return a.IsStarred
		}
		if a.Online != b.Online {
			return a.Online
		}
		return a.Username < b.Username
	})
}
