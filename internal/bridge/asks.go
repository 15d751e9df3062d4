// ABOUTME: Pending ask/reply exchanges and tracked-contact bookkeeping.
// ABOUTME: Asks have no expiry; contacts expire a fixed TTL after last send.

package bridge

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// PendingAsk is one outstanding send-and-await-reply exchange. It stays
// pending until a matching inbound message arrives; once Reply is set the ask
// is eligible for removal on the next reply-context read. There is no
// automatic timeout: replies can be claimed arbitrarily late.
type PendingAsk struct {
	AskID     string
	ConvID    string
	Channel   string
	ChannelID string
	Question  string
	To        string
	SentAt    time.Time
	Reply     string
	RepliedAt time.Time
}

// Answered reports whether a reply has been captured.
func (a *PendingAsk) Answered() bool { return !a.RepliedAt.IsZero() }

// askTable keeps pending asks in insertion order for oldest-first fallback
// matching.
type askTable struct {
	mu    sync.Mutex
	asks  map[string]*PendingAsk
	order []string
}

func newAskTable() *askTable {
	return &askTable{asks: make(map[string]*PendingAsk)}
}

func (t *askTable) add(ask *PendingAsk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.asks[ask.AskID]; !exists {
		t.order = append(t.order, ask.AskID)
	}
	t.asks[ask.AskID] = ask
}

// resolve finds the ask satisfied by an inbound message and captures the
// reply on it. Matching: exact/substring match between the normalized sender
// and an ask's intended recipient; falling back to the oldest unresolved ask
// on the same channel that names no recipient.
func (t *askTable) resolve(channelType, sender, reply string) (*PendingAsk, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range t.order {
		ask := t.asks[id]
		if ask == nil || ask.Answered() || ask.To == "" {
			continue
		}
		if senderMatches(ask.To, sender) {
			ask.Reply = reply
			ask.RepliedAt = time.Now()
			return ask, true
		}
	}
	for _, id := range t.order {
		ask := t.asks[id]
		if ask == nil || ask.Answered() || ask.To != "" {
			continue
		}
		if ask.Channel == channelType {
			ask.Reply = reply
			ask.RepliedAt = time.Now()
			return ask, true
		}
	}
	return nil, false
}

// consumeAnswered removes and returns the answered asks for a conversation,
// oldest first. Unanswered asks stay pending.
func (t *askTable) consumeAnswered(convID string) []*PendingAsk {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*PendingAsk
	remaining := t.order[:0]
	for _, id := range t.order {
		ask := t.asks[id]
		if ask == nil {
			continue
		}
		if ask.ConvID == convID && ask.Answered() {
			out = append(out, ask)
			delete(t.asks, id)
			continue
		}
		remaining = append(remaining, id)
	}
	t.order = remaining
	return out
}

// get returns a pending ask by id, if present.
func (t *askTable) get(askID string) (*PendingAsk, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ask, ok := t.asks[askID]
	return ask, ok
}

// dropConversation discards all asks belonging to a disposed conversation.
func (t *askTable) dropConversation(convID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.order[:0]
	for _, id := range t.order {
		ask := t.asks[id]
		if ask != nil && ask.ConvID == convID {
			delete(t.asks, id)
			continue
		}
		remaining = append(remaining, id)
	}
	t.order = remaining
}

// senderMatches performs the case-insensitive substring match in either
// direction between a tracked identifier and an inbound sender. "Sharif"
// matches "Sharif Abu Nada" and vice versa.
func senderMatches(identifier, sender string) bool {
	a := normalizeIdentifier(identifier)
	b := normalizeIdentifier(sender)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// trackedContact records an outbound send to a named recipient. Inbound
// messages from senders with no live entry are not routed into the agent.
type trackedContact struct {
	identifier string
	channel    string
	sentAt     time.Time
}

// contactTable is the TTL-gated allowlist of recently contacted senders.
type contactTable struct {
	mu       sync.Mutex
	ttl      time.Duration
	contacts map[string]trackedContact // channel + "|" + normalized identifier
	now      func() time.Time
}

func newContactTable(ttl time.Duration, now func() time.Time) *contactTable {
	if now == nil {
		now = time.Now
	}
	return &contactTable{
		ttl:      ttl,
		contacts: make(map[string]trackedContact),
		now:      now,
	}
}

// track registers or refreshes a contact; the TTL is measured from the last
// outbound send.
func (t *contactTable) track(channel, identifier string) {
	id := normalizeIdentifier(identifier)
	if id == "" {
		return
	}
	t.mu.Lock()
	t.contacts[fmt.Sprintf("%s|%s", channel, id)] = trackedContact{
		identifier: id,
		channel:    channel,
		sentAt:     t.now(),
	}
	t.mu.Unlock()
}

// allowed reports whether sender has a live, non-expired contact entry on the
// channel, using the same bidirectional substring match as ask resolution.
// Expired entries are pruned as they are encountered.
func (t *contactTable) allowed(channel, sender string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, c := range t.contacts {
		if now.Sub(c.sentAt) > t.ttl {
			delete(t.contacts, key)
			continue
		}
		if c.channel != channel {
			continue
		}
		if senderMatches(c.identifier, sender) {
			return true
		}
	}
	return false
}
