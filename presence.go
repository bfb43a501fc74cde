package chatsync

import (
	"sync"
)

// Presence tracks which conversation is open. Unread counters of users live in the
// directory; group counters live here.
type Presence struct {
	store  *DirectoryStore
	events *Emitter

	mu       sync.Mutex
	selected string
	group    bool
	groups   map[string]int
}

// NewPresence creates a presence tracker with nothing selected.
func NewPresence(store *DirectoryStore, events *Emitter) *Presence {
	return &Presence{store: store, events: events, groups: make(map[string]int)}
}

// Select makes target the active conversation and resets its unread counter.
func (p *Presence) Select(target string) {
	p.mu.Lock()
	p.selected, p.group = target, false
	p.mu.Unlock()
	p.store.SetUnread(target, 0)
	p.events.Emit(EventNotifyClear, target)
}

// SelectGroup makes group the active conversation and resets its unread counter.
func (p *Presence) SelectGroup(group string) {
	p.mu.Lock()
	p.selected, p.group = group, true
	p.groups[group] = 0
	p.mu.Unlock()
	p.events.Emit(EventNotifyClear, group)
}

// Clear leaves no conversation selected.
func (p *Presence) Clear() {
	p.mu.Lock()
	p.selected, p.group = "", false
	p.mu.Unlock()
}

// Selected returns the active target and whether it is a group.
func (p *Presence) Selected() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected, p.group
}

// OnInbound counts one new message from target unless target is selected.
func (p *Presence) OnInbound(target string) {
	p.mu.Lock()
	active := p.selected == target && !p.group
	p.mu.Unlock()
	if active {
		return
	}
	p.store.IncrementUnread(target)
}

// OnInboundGroup counts one new message in group unless group is selected.
func (p *Presence) OnInboundGroup(group string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selected == group && p.group {
		return
	}
	p.groups[group]++
}

// GroupUnread returns the unread counter of group.
func (p *Presence) GroupUnread(group string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.groups[group]
}

// Reset forgets the selection and every group counter.
func (p *Presence) Reset() {
	p.mu.Lock()
	p.selected, p.group = "", false
	p.groups = make(map[string]int)
	p.mu.Unlock()
}
