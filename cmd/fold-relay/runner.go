// ABOUTME: Headless conversation runner backing the bridge's delegate.
// ABOUTME: One conversation per channel; responses stream straight to the agent.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/fold-relay/internal/bridge"
	"github.com/2389/fold-relay/internal/gateway"
	"github.com/2389/fold-relay/internal/wire"
)

// agentClient is the slice of the gateway client the runner drives turns
// through. Satisfied by *gateway.Client.
type agentClient interface {
	SendAgentMessage(ctx context.Context, message string, opts gateway.AgentOptions) <-chan wire.StreamEvent
	StopAgent(ctx context.Context, sessionKey string) error
}

// runner is the conversation layer for standalone operation. Each channel maps
// to one conversation whose AI turn runs through the gateway's agent method.
// While a turn is in flight the conversation is busy; the runner never parks a
// conversation in the waiting state, so answers are injected like new turns.
type runner struct {
	client agentClient
	logger *slog.Logger

	// Set after construction; the bridge and runner reference each other.
	bridge *bridge.Bridge

	mu   sync.Mutex
	busy map[string]bool
	stop map[string]context.CancelFunc
}

func newRunner(client agentClient, logger *slog.Logger) *runner {
	return &runner{
		client: client,
		logger: logger.With("component", "runner"),
		busy:   make(map[string]bool),
		stop:   make(map[string]context.CancelFunc),
	}
}

func (r *runner) ResolveConversation(msg bridge.InboundMessage) (string, bool) {
	if msg.ChannelName == "" {
		return "", false
	}
	return fmt.Sprintf("%s:%s", msg.ChannelName, msg.ChannelID), true
}

func (r *runner) ActivityState(convID string) bridge.ActivityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy[convID] {
		return bridge.StateBusy
	}
	return bridge.StateIdle
}

func (r *runner) DeliverAnswer(convID string, msg bridge.InboundMessage) {
	// Headless mode has no suspended question to resume; treat the answer as
	// a fresh turn.
	r.InjectMessage(convID, msg)
}

func (r *runner) CancelActive(convID string) {
	r.mu.Lock()
	cancel := r.stop[convID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := r.client.StopAgent(context.Background(), convID); err != nil {
		r.logger.Debug("agent stop failed", "conversation", convID, "error", err)
	}
}

func (r *runner) InjectMessage(convID string, msg bridge.InboundMessage) {
	r.mu.Lock()
	if r.busy[convID] {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.busy[convID] = true
	r.stop[convID] = cancel
	r.mu.Unlock()

	go r.runTurn(ctx, convID, []bridge.InboundMessage{msg})
}

// runTurn drives one AI turn: prompt the agent, scan the streamed response for
// outbound markers, execute them, then drain anything queued meanwhile. The
// drained messages all feed one follow-up turn; the conversation stays busy
// until that turn is scheduled, so nothing arriving in between is lost.
func (r *runner) runTurn(ctx context.Context, convID string, msgs []bridge.InboundMessage) {
	defer func() {
		queued := r.bridge.DrainQueue(convID)

		r.mu.Lock()
		delete(r.stop, convID)
		if len(queued) > 0 {
			next, cancel := context.WithCancel(context.Background())
			r.stop[convID] = cancel
			r.mu.Unlock()
			go r.runTurn(next, convID, queued)
			return
		}
		delete(r.busy, convID)
		r.mu.Unlock()
	}()

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, fmt.Sprintf("Message from %s on %s: %s", m.Sender, m.ChannelName, m.Content))
	}
	prompt := strings.Join(lines, "\n")
	if replies := r.bridge.ConsumeReplyContext(convID); replies != "" {
		prompt = replies + "\n" + prompt
	}

	var accumulated strings.Builder
	stream := r.client.SendAgentMessage(ctx, prompt, gateway.AgentOptions{SessionKey: convID})
	for ev := range stream {
		switch ev.Kind {
		case wire.StreamTextDelta:
			accumulated.WriteString(ev.Text)
			actions := r.bridge.ScanResponse(convID, accumulated.String())
			if len(actions) > 0 {
				r.bridge.ExecuteActions(ctx, convID, actions)
			}
		case wire.StreamError:
			r.logger.Warn("agent turn failed", "conversation", convID, "error", ev.Err)
		}
	}

	// A final scan catches a marker split across the last deltas.
	if actions := r.bridge.ScanResponse(convID, accumulated.String()); len(actions) > 0 {
		r.bridge.ExecuteActions(ctx, convID, actions)
	}
}
