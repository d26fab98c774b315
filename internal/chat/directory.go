package chat

import (
	"sort"
	"sync"
)

// Directory maintains the ordered conversation list: last-message previews,
// unread counters and descending recency order. Conversations are created on
// first fetch or first contact and never deleted.
type Directory struct {
	mu     sync.Mutex
	selfID int64
	convs  []Conversation
}

// NewDirectory creates a directory for the given current user.
func NewDirectory(selfID int64) *Directory {
	return &Directory{selfID: selfID}
}

// Merge applies a fetched conversation list: entries are inserted or
// updated by id. Conversations the fetch no longer returns are kept.
func (d *Directory) Merge(convs []Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range convs {
		if i := d.index(c.ID); i >= 0 {
			d.convs[i] = c
		} else {
			d.convs = append(d.convs, c)
		}
	}
	d.sortLocked()
}

// Apply updates the conversation a confirmed message belongs to: the message
// becomes the preview unless an even newer one is already shown, and the
// unread counter grows when the sender is someone else. An unknown
// conversation id creates the entry.
func (d *Directory) Apply(e Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.index(e.ConversationID)
	if i < 0 {
		d.convs = append(d.convs, Conversation{ID: e.ConversationID})
		i = len(d.convs) - 1
	}
	if cur := d.convs[i].LastMessage; cur == nil || !e.SentAt.Before(cur.SentAt) {
		msg := e
		d.convs[i].LastMessage = &msg
	}
	if e.SenderID != d.selfID {
		d.convs[i].UnreadCount++
	}
	d.sortLocked()
}

// Select resets a conversation's unread counter. Only an explicit selection
// does; arrival of messages never clears it.
func (d *Directory) Select(conversationID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(conversationID); i >= 0 {
		d.convs[i].UnreadCount = 0
	}
}

// Snapshot returns a copy of the ordered conversation list.
func (d *Directory) Snapshot() []Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Conversation, len(d.convs))
	copy(out, d.convs)
	for i := range out {
		if out[i].LastMessage != nil {
			m := *out[i].LastMessage
			out[i].LastMessage = &m
		}
	}
	return out
}

func (d *Directory) index(conversationID int64) int {
	for i, c := range d.convs {
		if c.ID == conversationID {
			return i
		}
	}
	return -1
}

// sortLocked orders by LastMessage.SentAt descending; conversations without
// a message sort last.
func (d *Directory) sortLocked() {
	sort.SliceStable(d.convs, func(i, j int) bool {
		a, b := d.convs[i].LastMessage, d.convs[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return b.SentAt.Before(a.SentAt)
		}
	})
}
