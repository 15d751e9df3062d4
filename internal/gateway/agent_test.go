// ABOUTME: Tests for the agent stream: delta folding, final-text dedup, timeout.

package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-relay/internal/wire"
)

func pushEvent(ctx context.Context, conn *websocket.Conn, name, payload string) {
	_ = wsjson.Write(ctx, conn, wire.Event{
		Type: wire.FrameEvent, Event: name, Payload: json.RawMessage(payload),
	})
}

func collect(t *testing.T, stream <-chan wire.StreamEvent) []wire.StreamEvent {
	t.Helper()
	var events []wire.StreamEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
}

func TestAgentStreamDeltasAndEnd(t *testing.T) {
	_, url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn, frame wire.Frame) {
		if frame.Type != wire.FrameRequest {
			return
		}
		if frame.Method == "connect" {
			acceptAll(ctx, conn, frame)
			return
		}
		// The agent method acks first, streams, then finishes. The terminal
		// response repeats the streamed text, which must not be re-yielded.
		_ = wsjson.Write(ctx, conn, wire.Response{
			Type: wire.FrameResponse, ID: frame.ID, OK: true,
			Payload: json.RawMessage(`{"status":"accepted"}`),
		})
		pushEvent(ctx, conn, "agent.event", `{"stream":"assistant","data":{"delta":"Hello "}}`)
		pushEvent(ctx, conn, "agent.event", `{"stream":"assistant","data":{"delta":"world"}}`)
		pushEvent(ctx, conn, "agent.event", `{"stream":"lifecycle","data":{"phase":"end"}}`)
		_ = wsjson.Write(ctx, conn, wire.Response{
			Type: wire.FrameResponse, ID: frame.ID, OK: true,
			Payload: json.RawMessage(`{"text":"Hello world"}`),
		})
	})
	c := newConnectedClient(t, url)

	events := collect(t, c.SendAgentMessage(context.Background(), "hi", AgentOptions{}))

	var text string
	ends := 0
	for _, ev := range events {
		switch ev.Kind {
		case wire.StreamTextDelta:
			text += ev.Text
		case wire.StreamLifecycleEnd:
			ends++
		case wire.StreamError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	assert.Equal(t, "Hello world", text, "response text must not be double-yielded")
	assert.Equal(t, 1, ends)
}

func TestAgentStreamResponseOnlyGateway(t *testing.T) {
	_, url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn, frame wire.Frame) {
		if frame.Type != wire.FrameRequest {
			return
		}
		if frame.Method == "connect" {
			acceptAll(ctx, conn, frame)
			return
		}
		// No push events at all: the whole answer rides the response.
		_ = wsjson.Write(ctx, conn, wire.Response{
			Type: wire.FrameResponse, ID: frame.ID, OK: true,
			Payload: json.RawMessage(`{"text":"the whole answer"}`),
		})
	})
	c := newConnectedClient(t, url)

	events := collect(t, c.SendAgentMessage(context.Background(), "hi", AgentOptions{}))
	require.Len(t, events, 2)
	assert.Equal(t, wire.StreamTextDelta, events[0].Kind)
	assert.Equal(t, "the whole answer", events[0].Text)
	assert.Equal(t, wire.StreamLifecycleEnd, events[1].Kind)
}

func TestAgentStreamTimeout(t *testing.T) {
	_, url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn, frame wire.Frame) {
		if frame.Type != wire.FrameRequest {
			return
		}
		if frame.Method == "connect" {
			acceptAll(ctx, conn, frame)
			return
		}
		// Ack and then go silent forever.
		_ = wsjson.Write(ctx, conn, wire.Response{
			Type: wire.FrameResponse, ID: frame.ID, OK: true,
			Payload: json.RawMessage(`{"status":"accepted"}`),
		})
	})
	c := newConnectedClient(t, url)

	events := collect(t, c.SendAgentMessage(context.Background(), "hi", AgentOptions{Timeout: 200 * time.Millisecond}))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, wire.StreamError, last.Kind)
	assert.ErrorIs(t, last.Err, ErrAgentTimeout)
}

func TestAgentStreamRequestFailure(t *testing.T) {
	_, url := newGatewayServer(t, func(ctx context.Context, conn *websocket.Conn, frame wire.Frame) {
		if frame.Type != wire.FrameRequest {
			return
		}
		if frame.Method == "connect" {
			acceptAll(ctx, conn, frame)
			return
		}
		_ = wsjson.Write(ctx, conn, wire.Response{
			Type: wire.FrameResponse, ID: frame.ID, OK: false,
			Error: &wire.ErrorInfo{Message: "agent unavailable"},
		})
	})
	c := newConnectedClient(t, url)

	events := collect(t, c.SendAgentMessage(context.Background(), "hi", AgentOptions{}))
	require.Len(t, events, 1)
	assert.Equal(t, wire.StreamError, events[0].Kind)
	assert.Contains(t, events[0].Err.Error(), "agent unavailable")
}
