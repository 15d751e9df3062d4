// ABOUTME: Tests for the routing bridge: outbound policy and inbound routing.
// ABOUTME: Uses in-memory fakes for the gateway and conversation delegate.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-relay/internal/wire"
)

type sentMessage struct {
	Channel string
	To      string
	Message string
}

type fakeGateway struct {
	mu      sync.Mutex
	sent    []sentMessage
	tasks   []string
	sendErr error
	handler func(wire.ChannelEvent)
}

func (g *fakeGateway) SendMessage(_ context.Context, channel, to, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, sentMessage{channel, to, message})
	return nil
}

func (g *fakeGateway) DelegateTask(_ context.Context, task string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = append(g.tasks, task)
	return nil
}

func (g *fakeGateway) OnChannelEvent(fn func(wire.ChannelEvent)) func() {
	g.handler = fn
	return func() { g.handler = nil }
}

func (g *fakeGateway) sentMessages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

func (g *fakeGateway) delegated() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.tasks...)
}

type fakeDelegate struct {
	mu        sync.Mutex
	state     ActivityState
	answers   []InboundMessage
	injected  []InboundMessage
	cancelled []string
}

func (d *fakeDelegate) ResolveConversation(InboundMessage) (string, bool) { return "conv-1", true }

func (d *fakeDelegate) ActivityState(string) ActivityState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDelegate) DeliverAnswer(_ string, msg InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answers = append(d.answers, msg)
}

func (d *fakeDelegate) CancelActive(convID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, convID)
}

func (d *fakeDelegate) InjectMessage(_ string, msg InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injected = append(d.injected, msg)
}

func (d *fakeDelegate) setState(s ActivityState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

func newTestBridge(t *testing.T) (*Bridge, *fakeGateway, *fakeDelegate) {
	t.Helper()
	gw := &fakeGateway{}
	del := &fakeDelegate{}
	return New(gw, del, Options{}, nil), gw, del
}

func TestExecuteActionsExactRecipientSendsDirect(t *testing.T) {
	b, gw, _ := newTestBridge(t)

	results := b.ExecuteActions(context.Background(), "conv-1", []Action{
		{Kind: ActionSend, Channel: "sms", To: "+1 555 012 3456", Content: "hello"},
		{Kind: ActionSend, Channel: "whatsapp", To: "", Content: "note to self"},
	})
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)

	sent := gw.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "+1 555 012 3456", sent[0].To)
	assert.Equal(t, "", sent[1].To)
	assert.Empty(t, gw.delegated())
}

func TestExecuteActionsFuzzyRecipientDelegates(t *testing.T) {
	b, gw, _ := newTestBridge(t)

	b.ExecuteActions(context.Background(), "conv-1", []Action{
		{Kind: ActionSend, Channel: "whatsapp", To: "Sharif", Content: "on my way"},
	})

	assert.Empty(t, gw.sentMessages())
	tasks := gw.delegated()
	require.Len(t, tasks, 1)
	assert.Contains(t, tasks[0], "Sharif")
	assert.Contains(t, tasks[0], "whatsapp")
	assert.Contains(t, tasks[0], "on my way")
}

func TestExecuteActionsAskRegistersPending(t *testing.T) {
	b, _, _ := newTestBridge(t)

	results := b.ExecuteActions(context.Background(), "conv-1", []Action{
		{Kind: ActionAsk, Channel: "whatsapp", To: "Sam", AskID: "q1", Content: "Does 3pm work?"},
	})
	require.NoError(t, results[0].Err)

	ask, ok := b.PendingAsk("q1")
	require.True(t, ok)
	assert.Equal(t, "conv-1", ask.ConvID)
	assert.False(t, ask.Answered())

	// The ask also tracked its recipient for the inbound gate.
	assert.True(t, b.contacts.allowed("whatsapp", "Sam"))
	assert.False(t, b.contacts.allowed("signal", "Sam"))
}

func TestExecuteActionsDeliveryFailureReported(t *testing.T) {
	b, gw, _ := newTestBridge(t)
	gw.sendErr = errors.New("channel offline")

	results := b.ExecuteActions(context.Background(), "conv-1", []Action{
		{Kind: ActionSend, Channel: "sms", To: "+15550123", Content: "hi"},
	})
	require.Len(t, results, 1)
	assert.ErrorContains(t, results[0].Err, "channel offline")
}

func TestHandleInboundDedup(t *testing.T) {
	b, _, del := newTestBridge(t)
	b.contacts.track("whatsapp", "Sharif")

	msg := InboundMessage{ChannelName: "whatsapp", Sender: "Sharif", Content: "hey", Timestamp: 100}
	b.HandleInbound(msg)
	b.HandleInbound(msg)

	assert.Len(t, del.injected, 1)
}

func TestHandleInboundUntrackedSenderDropped(t *testing.T) {
	b, _, del := newTestBridge(t)

	b.HandleInbound(InboundMessage{ChannelName: "whatsapp", Sender: "Stranger", Content: "hi", Timestamp: 1})
	assert.Empty(t, del.injected)
	assert.Empty(t, del.answers)
}

func TestHandleInboundWaitingDeliversAnswer(t *testing.T) {
	b, gw, del := newTestBridge(t)
	b.contacts.track("whatsapp", "Sharif")
	del.setState(StateWaitingForInput)

	b.HandleInbound(InboundMessage{ChannelName: "whatsapp", Sender: "Sharif", Content: "yes please", Timestamp: 2})

	require.Len(t, del.answers, 1)
	assert.Equal(t, "yes please", del.answers[0].Content)

	// The confirmation follows the outbound policy: a display-name sender is
	// resolved by the gateway rather than handed to the direct send.
	assert.Empty(t, gw.sentMessages())
	tasks := gw.delegated()
	require.Len(t, tasks, 1)
	assert.Contains(t, tasks[0], "Sharif")
	assert.Contains(t, tasks[0], "Got it")
}

func TestConfirmationToPhoneSenderSendsDirect(t *testing.T) {
	b, gw, del := newTestBridge(t)
	b.contacts.track("whatsapp", "+1 555 012 3456")
	del.setState(StateWaitingForInput)

	b.HandleInbound(InboundMessage{ChannelName: "whatsapp", Sender: "+1 555 012 3456", Content: "sure", Timestamp: 12})

	sent := gw.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "+1 555 012 3456", sent[0].To)
	assert.Contains(t, sent[0].Message, "Got it")
	assert.Empty(t, gw.delegated())
}

func TestAskRecordsOriginChannelID(t *testing.T) {
	b, _, del := newTestBridge(t)
	b.contacts.track("whatsapp", "Sharif")
	del.setState(StateBusy)

	// Inbound traffic identifies which channel instance serves the type.
	b.HandleInbound(InboundMessage{ChannelID: "wa-7", ChannelName: "whatsapp", Sender: "Sharif", Content: "hi", Timestamp: 13})

	b.ExecuteActions(context.Background(), "conv-1", []Action{
		{Kind: ActionAsk, Channel: "whatsapp", To: "Sam", AskID: "q-wa", Content: "when?"},
		{Kind: ActionAsk, Channel: "signal", To: "Sam", AskID: "q-sig", Content: "where?"},
	})

	ask, ok := b.PendingAsk("q-wa")
	require.True(t, ok)
	assert.Equal(t, "wa-7", ask.ChannelID)

	// No inbound has been seen on signal; its channel id stays unknown.
	ask, ok = b.PendingAsk("q-sig")
	require.True(t, ok)
	assert.Empty(t, ask.ChannelID)
}

func TestHandleInboundBusyQueues(t *testing.T) {
	b, _, del := newTestBridge(t)
	b.contacts.track("whatsapp", "Sharif")
	del.setState(StateBusy)

	b.HandleInbound(InboundMessage{ChannelName: "whatsapp", Sender: "Sharif", Content: "first", Timestamp: 1})
	b.HandleInbound(InboundMessage{ChannelName: "whatsapp", Sender: "Sharif", Content: "second", Timestamp: 2})

	queued := b.DrainQueue("conv-1")
	require.Len(t, queued, 2)
	assert.Equal(t, "first", queued[0].Content)
	assert.Equal(t, "second", queued[1].Content)

	// Drain is destructive.
	assert.Empty(t, b.DrainQueue("conv-1"))
}

func TestHandleInboundBusyCancelKeyword(t *testing.T) {
	b, _, del := newTestBridge(t)
	b.contacts.track("whatsapp", "Sharif")
	del.setState(StateBusy)

	b.HandleInbound(InboundMessage{ChannelName: "whatsapp", Sender: "Sharif", Content: "  STOP ", Timestamp: 3})

	assert.Equal(t, []string{"conv-1"}, del.cancelled)
	assert.Empty(t, b.DrainQueue("conv-1"))
}

func TestHandleInboundIdleInjects(t *testing.T) {
	b, _, del := newTestBridge(t)
	b.contacts.track("whatsapp", "Sharif")

	b.HandleInbound(InboundMessage{ChannelName: "whatsapp", Sender: "Sharif Abu Nada", Content: "what's up", Timestamp: 4})

	require.Len(t, del.injected, 1)
	assert.Equal(t, "what's up", del.injected[0].Content)
}

func TestHandleInboundAskReplyBypassesContactGate(t *testing.T) {
	b, _, del := newTestBridge(t)
	b.ExecuteActions(context.Background(), "conv-1", []Action{
		{Kind: ActionAsk, Channel: "whatsapp", To: "Sam", AskID: "q1", Content: "Does 3pm work?"},
	})

	// Sam was tracked by the ask send, but even the resolution itself must
	// not reach the delegate: the reply is captured, not injected.
	b.HandleInbound(InboundMessage{ChannelName: "whatsapp", Sender: "Sam Altvater", Content: "3pm works", Timestamp: 5})

	assert.Empty(t, del.injected)
	ask, ok := b.PendingAsk("q1")
	require.True(t, ok)
	assert.Equal(t, "3pm works", ask.Reply)
}

func TestConsumeReplyContext(t *testing.T) {
	b, _, _ := newTestBridge(t)
	b.ExecuteActions(context.Background(), "conv-1", []Action{
		{Kind: ActionAsk, Channel: "whatsapp", To: "Sam", AskID: "q1", Content: "Does 3pm work?"},
	})
	b.HandleInbound(InboundMessage{ChannelName: "whatsapp", Sender: "Sam", Content: "3pm works", Timestamp: 6})

	ctx := b.ConsumeReplyContext("conv-1")
	assert.Contains(t, ctx, "Sam")
	assert.Contains(t, ctx, "3pm works")
	assert.Contains(t, ctx, "Does 3pm work?")

	// Read-once.
	assert.Empty(t, b.ConsumeReplyContext("conv-1"))
}

func TestStartRoutesPushEvents(t *testing.T) {
	gw := &fakeGateway{}
	del := &fakeDelegate{}
	b := New(gw, del, Options{}, nil)
	b.contacts.track("whatsapp", "Sharif")

	stop := b.Start()
	defer stop()
	require.NotNil(t, gw.handler)

	gw.handler(wire.ChannelEvent{
		ChannelID:   "wa-1",
		ChannelType: "whatsapp",
		EventType:   wire.ChannelEventMessageReceived,
		Content:     "hello",
		Sender:      "Sharif",
		Timestamp:   7,
	})
	// Non-message events are ignored.
	gw.handler(wire.ChannelEvent{ChannelType: "whatsapp", EventType: wire.ChannelEventConnected, Timestamp: 8})

	require.Len(t, del.injected, 1)
	assert.Equal(t, "hello", del.injected[0].Content)
}

func TestDisposeConversationClearsState(t *testing.T) {
	b, _, del := newTestBridge(t)
	b.contacts.track("whatsapp", "Sharif")
	del.setState(StateBusy)

	b.ExecuteActions(context.Background(), "conv-1", []Action{
		{Kind: ActionAsk, Channel: "whatsapp", To: "Sam", AskID: "q1", Content: "?"},
	})
	b.HandleInbound(InboundMessage{ChannelName: "whatsapp", Sender: "Sharif", Content: "queued", Timestamp: 9})

	b.DisposeConversation("conv-1")

	_, ok := b.PendingAsk("q1")
	assert.False(t, ok)
	assert.Empty(t, b.DrainQueue("conv-1"))
}

func TestScanResponsePerConversationOffsets(t *testing.T) {
	b, _, _ := newTestBridge(t)
	text := `<<<AGENT_TASK>>>do it<<<END_AGENT_TASK>>>`

	assert.Len(t, b.ScanResponse("conv-1", text), 1)
	assert.Empty(t, b.ScanResponse("conv-1", text))

	// A different conversation has its own offset set.
	assert.Len(t, b.ScanResponse("conv-2", text), 1)
}

func TestDedupKeyPrefix(t *testing.T) {
	long := ""
	for i := 0; i < 10; i++ {
		long += "0123456789"
	}
	key := dedupKey(42, long)
	assert.Equal(t, fmt.Sprintf("42:%s", long[:50]), key)
	assert.Equal(t, "7:short", dedupKey(7, "short"))
}
