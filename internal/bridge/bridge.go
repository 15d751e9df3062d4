// ABOUTME: The routing bridge proper: outbound execution and inbound routing.
// ABOUTME: Owns per-conversation marker offsets, queues, asks, and contacts.

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/2389/fold-relay/internal/dedupe"
	"github.com/2389/fold-relay/internal/wire"
)

// Gateway is the slice of the controller the bridge needs. Satisfied by
// *controller.Controller.
type Gateway interface {
	SendMessage(ctx context.Context, channel, to, message string) error
	DelegateTask(ctx context.Context, task string) error
	OnChannelEvent(fn func(wire.ChannelEvent)) func()
}

// ActivityState describes what a conversation is currently doing, as reported
// by the delegate.
type ActivityState int

const (
	// StateIdle means no request is in flight.
	StateIdle ActivityState = iota
	// StateBusy means the agent is actively generating.
	StateBusy
	// StateWaitingForInput means the agent asked the user a question and is
	// suspended on the answer.
	StateWaitingForInput
)

// InboundMessage is a channel message routed toward a conversation.
type InboundMessage struct {
	ChannelID   string
	ChannelName string
	Content     string
	Sender      string
	Timestamp   int64
}

// Delegate is the bridge's window into the conversation/UI layer it does not
// own. Implementations decide which conversation a message targets and apply
// the routed outcome.
type Delegate interface {
	// ResolveConversation maps an inbound message to a conversation id.
	ResolveConversation(msg InboundMessage) (string, bool)
	// ActivityState reports what the conversation is doing right now.
	ActivityState(convID string) ActivityState
	// DeliverAnswer supplies msg as the answer to the outstanding question.
	DeliverAnswer(convID string, msg InboundMessage)
	// CancelActive aborts the in-flight request of the conversation.
	CancelActive(convID string)
	// InjectMessage starts a new request in an idle conversation.
	InjectMessage(convID string, msg InboundMessage)
}

// DeliveryResult reports the outcome of executing one outbound action.
// Failures are surfaced as notes for the AI response, never as panics.
type DeliveryResult struct {
	Action Action
	Err    error
}

// Options tunes the bridge.
type Options struct {
	ContactTTL     time.Duration // default 2h
	CancelKeywords []string      // default stop/cancel/abort/esc
	Now            func() time.Time
}

func (o Options) contactTTL() time.Duration {
	if o.ContactTTL > 0 {
		return o.ContactTTL
	}
	return 2 * time.Hour
}

func (o Options) cancelKeywords() []string {
	if len(o.CancelKeywords) > 0 {
		return o.CancelKeywords
	}
	return []string{"stop", "cancel", "abort", "esc"}
}

// dedup bounds shared by the push and disk-poll inbound paths.
const (
	dedupMax    = 500
	dedupTrim   = 250
	dedupPrefix = 50
)

// Bridge routes between AI response text and the channel gateway.
type Bridge struct {
	ctrl     Gateway
	delegate Delegate
	logger   *slog.Logger
	cancels  []string

	asks     *askTable
	contacts *contactTable
	dedup    *dedupe.Set

	mu         sync.Mutex
	offsets    map[string]map[int]struct{} // convID → processed marker offsets
	queues     map[string][]InboundMessage // convID → messages held while busy
	channelIDs map[string]string           // channel type → last seen channel id
}

// New creates a Bridge. Pass nil logger for the default.
func New(ctrl Gateway, delegate Delegate, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	cancels := make([]string, 0, len(opts.cancelKeywords()))
	for _, kw := range opts.cancelKeywords() {
		cancels = append(cancels, strings.ToLower(kw))
	}
	return &Bridge{
		ctrl:       ctrl,
		delegate:   delegate,
		logger:     logger.With("component", "bridge"),
		cancels:    cancels,
		asks:       newAskTable(),
		contacts:   newContactTable(opts.contactTTL(), opts.Now),
		dedup:      dedupe.NewSet(dedupMax, dedupTrim),
		offsets:    make(map[string]map[int]struct{}),
		queues:     make(map[string][]InboundMessage),
		channelIDs: make(map[string]string),
	}
}

// Start subscribes the bridge to the controller's re-emitted channel events.
// Returns an unsubscribe handle.
func (b *Bridge) Start() func() {
	return b.ctrl.OnChannelEvent(func(evt wire.ChannelEvent) {
		if evt.EventType != wire.ChannelEventMessageReceived {
			return
		}
		b.HandleInbound(InboundMessage{
			ChannelID:   evt.ChannelID,
			ChannelName: evt.ChannelType,
			Content:     evt.Content,
			Sender:      evt.Sender,
			Timestamp:   evt.Timestamp,
		})
	})
}

// ScanResponse detects new outbound markers in the conversation's accumulated
// response text. Idempotent: offsets already processed for this conversation
// are skipped, so it is safe to call on every streaming tick.
func (b *Bridge) ScanResponse(convID, accumulated string) []Action {
	b.mu.Lock()
	seen, ok := b.offsets[convID]
	if !ok {
		seen = make(map[int]struct{})
		b.offsets[convID] = seen
	}
	b.mu.Unlock()
	return ScanMarkers(accumulated, seen)
}

// phoneRe recognizes exact recipient identifiers (phone-number form). Fuzzy
// names go through the gateway's agent so it resolves the contact itself.
var phoneRe = regexp.MustCompile(`^\+?[0-9][0-9 ()\-]{4,}$`)

func isExactRecipient(to string) bool {
	return phoneRe.MatchString(strings.TrimSpace(to))
}

// ExecuteActions runs detected actions against the gateway and returns one
// result per action. Sends and asks to named recipients register or refresh
// a tracked contact; asks additionally register a PendingAsk under the
// caller-supplied id.
func (b *Bridge) ExecuteActions(ctx context.Context, convID string, actions []Action) []DeliveryResult {
	results := make([]DeliveryResult, 0, len(actions))
	for _, action := range actions {
		err := b.executeAction(ctx, convID, action)
		if err != nil {
			b.logger.Warn("outbound action failed",
				"kind", action.Kind,
				"channel", action.Channel,
				"error", err,
			)
		}
		results = append(results, DeliveryResult{Action: action, Err: err})
	}
	return results
}

func (b *Bridge) executeAction(ctx context.Context, convID string, action Action) error {
	switch action.Kind {
	case ActionTask:
		return b.ctrl.DelegateTask(ctx, action.Content)

	case ActionSend:
		if err := b.deliver(ctx, action); err != nil {
			return err
		}
		if action.To != "" {
			b.contacts.track(action.Channel, action.To)
		}
		return nil

	case ActionAsk:
		if err := b.deliver(ctx, action); err != nil {
			return err
		}
		if action.To != "" {
			b.contacts.track(action.Channel, action.To)
		}
		b.asks.add(&PendingAsk{
			AskID:     action.AskID,
			ConvID:    convID,
			Channel:   action.Channel,
			ChannelID: b.channelID(action.Channel),
			Question:  action.Content,
			To:        action.To,
			SentAt:    time.Now(),
		})
		return nil
	}
	return fmt.Errorf("unknown action kind %q", action.Kind)
}

// deliver applies the outbound execution policy: exact identifiers and the
// user's own device go through direct send, fuzzy names are delegated so the
// gateway resolves the contact.
func (b *Bridge) deliver(ctx context.Context, action Action) error {
	content := RenderPlain(action.Content)
	if action.To == "" || isExactRecipient(action.To) {
		return b.ctrl.SendMessage(ctx, action.Channel, action.To, content)
	}
	task := fmt.Sprintf("Send the following message to %s on %s: %s", action.To, action.Channel, content)
	return b.ctrl.DelegateTask(ctx, task)
}

// channelID returns the channel id last observed for a channel type, or "" if
// no inbound traffic has identified one yet.
func (b *Bridge) channelID(channelType string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelIDs[channelType]
}

// HandleInbound is the single routing path for both push events and
// disk-polled entries. Order: dedup, ask correlation, contact gate, then the
// activity state machine.
func (b *Bridge) HandleInbound(msg InboundMessage) {
	if msg.ChannelName != "" && msg.ChannelID != "" {
		b.mu.Lock()
		b.channelIDs[msg.ChannelName] = msg.ChannelID
		b.mu.Unlock()
	}

	if strings.TrimSpace(msg.Content) == "" {
		return
	}

	key := dedupKey(msg.Timestamp, msg.Content)
	if b.dedup.CheckAndMark(key) {
		b.logger.Debug("duplicate inbound message ignored", "sender", msg.Sender)
		return
	}

	if ask, ok := b.asks.resolve(msg.ChannelName, msg.Sender, msg.Content); ok {
		b.logger.Info("ask resolved", "ask_id", ask.AskID, "sender", msg.Sender)
		return
	}

	if !b.contacts.allowed(msg.ChannelName, msg.Sender) {
		// Unsolicited sender: never injected into the agent.
		b.logger.Debug("inbound from untracked sender dropped", "sender", msg.Sender)
		return
	}

	convID, ok := b.delegate.ResolveConversation(msg)
	if !ok {
		b.logger.Debug("no conversation for inbound message", "channel", msg.ChannelName)
		return
	}

	switch b.delegate.ActivityState(convID) {
	case StateWaitingForInput:
		b.delegate.DeliverAnswer(convID, msg)
		b.confirm(msg, "Got it, passing your answer along.")

	case StateBusy:
		if b.isCancelKeyword(msg.Content) {
			b.delegate.CancelActive(convID)
			b.confirm(msg, "Cancelled the current request.")
			return
		}
		b.mu.Lock()
		b.queues[convID] = append(b.queues[convID], msg)
		b.mu.Unlock()

	case StateIdle:
		b.delegate.InjectMessage(convID, msg)
	}
}

// DrainQueue returns and clears the messages queued for a conversation while
// it was busy, in arrival order. Call after the in-flight response completes.
func (b *Bridge) DrainQueue(convID string) []InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	queued := b.queues[convID]
	delete(b.queues, convID)
	return queued
}

// ConsumeReplyContext builds a prompt-injection block from the answered asks
// of a conversation and removes them. Read-once: a second call returns ""
// until new replies arrive. Unanswered asks stay pending indefinitely.
func (b *Bridge) ConsumeReplyContext(convID string) string {
	answered := b.asks.consumeAnswered(convID)
	if len(answered) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Replies received:\n")
	for _, ask := range answered {
		fmt.Fprintf(&sb, "- %s replied on %s to %q: %s\n", replyFrom(ask), ask.Channel, ask.Question, ask.Reply)
	}
	return sb.String()
}

// PendingAsk returns a pending ask by id, mainly for status surfaces.
func (b *Bridge) PendingAsk(askID string) (*PendingAsk, bool) {
	return b.asks.get(askID)
}

// DisposeConversation tears down all per-conversation state.
func (b *Bridge) DisposeConversation(convID string) {
	b.asks.dropConversation(convID)
	b.mu.Lock()
	delete(b.offsets, convID)
	delete(b.queues, convID)
	b.mu.Unlock()
}

// confirm sends a short acknowledgement back to the originating sender. It
// goes through the same delivery policy as any outbound send, so display-name
// senders are resolved by the gateway rather than handed to the direct send.
// Failures are logged only; confirmations are best effort.
func (b *Bridge) confirm(msg InboundMessage, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	action := Action{Kind: ActionSend, Channel: msg.ChannelName, To: msg.Sender, Content: text}
	if err := b.deliver(ctx, action); err != nil {
		b.logger.Debug("confirmation send failed", "channel", msg.ChannelName, "error", err)
	}
}

func (b *Bridge) isCancelKeyword(content string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(content))
	for _, kw := range b.cancels {
		if trimmed == kw {
			return true
		}
	}
	return false
}

func replyFrom(ask *PendingAsk) string {
	if ask.To != "" {
		return ask.To
	}
	return "the user"
}

// dedupKey builds the recent-history key from the timestamp and a content
// prefix.
func dedupKey(ts int64, content string) string {
	prefix := content
	if len(prefix) > dedupPrefix {
		prefix = prefix[:dedupPrefix]
	}
	return fmt.Sprintf("%d:%s", ts, prefix)
}
