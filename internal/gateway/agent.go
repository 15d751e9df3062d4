// ABOUTME: Long-running agent request turned into a finite event stream.
// ABOUTME: Folds pushed deltas and the terminal response without double-yield.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/2389/fold-relay/internal/wire"
)

// agentEventNames are the push-event names the gateway has been observed to
// use for agent output. The taxonomy is not stable across gateway versions,
// so all of them are watched at once.
var agentEventNames = []string{"agent", "agent.event", "chat.event"}

// ErrAgentTimeout terminates a stream whose wall-clock timeout elapsed.
var ErrAgentTimeout = errors.New("gateway: agent response timed out")

// AgentOptions tunes one SendAgentMessage call.
type AgentOptions struct {
	SessionKey string
	Thinking   bool
	Timeout    time.Duration // wall clock for the whole stream, default 60s
}

type agentParams struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
	Thinking   bool   `json:"thinking,omitempty"`
}

// SendAgentMessage dispatches message through the gateway's long-running
// agent method and returns a finite stream of normalized events. The stream
// terminates when the correlated request settles and buffered events are
// drained, or when the wall-clock timeout elapses, in which case a terminal
// error event is yielded rather than hanging forever. The channel is always
// closed; it is not restartable.
func (c *Client) SendAgentMessage(ctx context.Context, message string, opts AgentOptions) <-chan wire.StreamEvent {
	out := make(chan wire.StreamEvent, 16)
	events := make(chan wire.StreamEvent, 256)

	unsubs := make([]func(), 0, len(agentEventNames))
	for _, name := range agentEventNames {
		unsubs = append(unsubs, c.Subscribe(name, func(payload json.RawMessage) {
			ev, ok := wire.NormalizeAgentEvent(payload)
			if !ok {
				return
			}
			select {
			case events <- ev:
			default:
				c.logger.Warn("agent event buffer full, dropping", "kind", ev.Kind)
			}
		}))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	go func() {
		defer close(out)
		defer func() {
			for _, u := range unsubs {
				u()
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resCh := make(chan requestResult, 1)
		go func() {
			payload, err := c.Request(ctx, "agent", agentParams{
				Message:    message,
				SessionKey: opts.SessionKey,
				Thinking:   opts.Thinking,
			})
			resCh <- requestResult{payload: payload, err: err}
		}()

		var streamed strings.Builder
		ended := false

		emit := func(ev wire.StreamEvent) bool {
			// Prefer delivery while the buffer has room, even if the
			// deadline just fired.
			select {
			case out <- ev:
				return true
			default:
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case ev := <-events:
				if ev.Kind == wire.StreamTextDelta {
					streamed.WriteString(ev.Text)
				}
				if ev.Kind == wire.StreamLifecycleEnd {
					ended = true
				}
				if !emit(ev) {
					return
				}
				if ev.Kind == wire.StreamError {
					return
				}

			case res := <-resCh:
				// Drain anything the push path already buffered.
				for drained := false; !drained; {
					select {
					case ev := <-events:
						if ev.Kind == wire.StreamTextDelta {
							streamed.WriteString(ev.Text)
						}
						if ev.Kind == wire.StreamLifecycleEnd {
							ended = true
						}
						if !emit(ev) {
							return
						}
					default:
						drained = true
					}
				}

				if res.err != nil {
					err := res.err
					if errors.Is(err, context.DeadlineExceeded) {
						err = ErrAgentTimeout
					}
					emit(wire.StreamEvent{Kind: wire.StreamError, Err: err})
					return
				}

				// Some gateways return the whole answer in the response,
				// some only via events, some both. Only yield response text
				// the push path did not already deliver.
				if final := wire.ExtractResponseText(res.payload); final != "" && final != streamed.String() {
					if !emit(wire.StreamEvent{Kind: wire.StreamTextDelta, Text: final}) {
						return
					}
				}
				if !ended {
					emit(wire.StreamEvent{Kind: wire.StreamLifecycleEnd})
				}
				return

			case <-ctx.Done():
				// Best effort: the receiver may already be gone.
				select {
				case out <- wire.StreamEvent{Kind: wire.StreamError, Err: ErrAgentTimeout}:
				default:
				}
				return
			}
		}
	}()

	return out
}

// StopAgent issues a best-effort cancel of the in-flight agent run.
// Cancellation does not guarantee the remote side halts immediately.
func (c *Client) StopAgent(ctx context.Context, sessionKey string) error {
	_, err := c.Request(ctx, "agent.stop", map[string]string{"sessionKey": sessionKey})
	return err
}
