package chat

import (
	"sort"
	"sync"
	"time"
)

// MatchWindow bounds the SentAt distance for correlating a pending message
// with its server-confirmed echo. The client never learns the server id at
// send time, so (sender, content, window) is the best available match.
const MatchWindow = 5 * time.Second

// Outcome describes what applying an inbound message did to a thread.
type Outcome int

const (
	// OutcomeDuplicate means the message id was already present; nothing changed.
	OutcomeDuplicate Outcome = iota
	// OutcomeReplaced means a pending message was confirmed in place.
	OutcomeReplaced
	// OutcomeAppended means the message was new and inserted by SentAt.
	OutcomeAppended
)

// Reconciler holds message threads keyed by conversation id and merges
// locally created pending messages with server-confirmed echoes. Every
// thread stays ascending by SentAt, and a confirmed id appears at most once.
type Reconciler struct {
	mu      sync.Mutex
	threads map[int64][]Message
}

// NewReconciler creates an empty reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{threads: make(map[int64][]Message)}
}

// SetHistory replaces a thread with fetched history. History is
// authoritative: existing entries are discarded, not reconciled.
func (r *Reconciler) SetHistory(conversationID int64, msgs []Message) {
	thread := append([]Message(nil), msgs...)
	sortThread(thread)
	r.mu.Lock()
	r.threads[conversationID] = thread
	r.mu.Unlock()
}

// AddPending inserts an optimistic message into its thread.
func (r *Reconciler) AddPending(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	thread := append(r.threads[m.ConversationID], m)
	sortThread(thread)
	r.threads[m.ConversationID] = thread
}

// Apply merges a server-confirmed message into its thread:
//  1. a message with the same confirmed id is discarded,
//  2. otherwise the first pending message with the same sender, the same
//     content and a SentAt within MatchWindow is replaced by the echo,
//  3. otherwise the message is appended.
//
// Either way the thread ends ascending by SentAt. The returned message is
// the merged result: on replacement it carries the pending message's
// LocalID so consumers can correlate the echo with the optimistic entry it
// confirmed.
//
// Local insert and remote delivery may arrive in either order; Apply is
// written so the end state is the same regardless.
func (r *Reconciler) Apply(e Message) (Message, Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	thread := r.threads[e.ConversationID]

	if !e.Pending() {
		for _, m := range thread {
			if m.ID == e.ID {
				return m, OutcomeDuplicate
			}
		}
	}

	for i, m := range thread {
		if m.Pending() && m.SenderID == e.SenderID && m.Content == e.Content &&
			absDuration(m.SentAt.Sub(e.SentAt)) < MatchWindow {
			e.LocalID = m.LocalID
			thread[i] = e
			// The echo's server timestamp may differ from the pending one's,
			// so the slot it landed in is not necessarily the right one.
			sortThread(thread)
			r.threads[e.ConversationID] = thread
			return e, OutcomeReplaced
		}
	}

	thread = append(thread, e)
	sortThread(thread)
	r.threads[e.ConversationID] = thread
	return e, OutcomeAppended
}

// Thread returns a copy of a conversation's message sequence, ascending by
// SentAt.
func (r *Reconciler) Thread(conversationID int64) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.threads[conversationID]...)
}

func sortThread(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
