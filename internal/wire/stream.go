// ABOUTME: Normalization of the gateway's agent event payloads.
// ABOUTME: Maps two observed payload shapes onto one StreamEvent vocabulary.

package wire

import "encoding/json"

// StreamEventKind identifies a normalized agent stream event.
type StreamEventKind string

const (
	StreamTextDelta       StreamEventKind = "text-delta"
	StreamThinkingDelta   StreamEventKind = "thinking-delta"
	StreamToolCallStarted StreamEventKind = "tool-call-started"
	StreamToolCallResult  StreamEventKind = "tool-call-result"
	StreamLifecycleEnd    StreamEventKind = "lifecycle-end"
	StreamError           StreamEventKind = "error"
)

// StreamEvent is one normalized element of an agent response stream.
type StreamEvent struct {
	Kind     StreamEventKind
	Text     string
	ToolName string
	Err      error
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Kind == StreamLifecycleEnd || e.Kind == StreamError
}

// streamShaped is the "stream discriminator + delta" payload shape used for
// token-level deltas and lifecycle markers.
type streamShaped struct {
	Stream string `json:"stream"`
	Data   struct {
		Delta string `json:"delta"`
		Text  string `json:"text"`
		Phase string `json:"phase"`
	} `json:"data"`
}

// typeShaped is the legacy "type discriminator" payload shape covering tool
// calls, tool results, errors, and completion.
type typeShaped struct {
	EventType string `json:"type"`
	Name      string `json:"name"`
	Tool      string `json:"tool"`
	Text      string `json:"text"`
	Content   string `json:"content"`
	Delta     string `json:"delta"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

// NormalizeAgentEvent maps a raw agent event payload to zero or one
// StreamEvents. Unknown shapes get best-effort text extraction before being
// discarded; malformed payloads never produce an error, only (nil, false).
func NormalizeAgentEvent(payload json.RawMessage) (StreamEvent, bool) {
	if len(payload) == 0 {
		return StreamEvent{}, false
	}

	var ss streamShaped
	if err := json.Unmarshal(payload, &ss); err == nil && ss.Stream != "" {
		text := ss.Data.Delta
		if text == "" {
			text = ss.Data.Text
		}
		switch ss.Stream {
		case "assistant", "text", "output":
			if text == "" {
				return StreamEvent{}, false
			}
			return StreamEvent{Kind: StreamTextDelta, Text: text}, true
		case "thinking", "reasoning":
			if text == "" {
				return StreamEvent{}, false
			}
			return StreamEvent{Kind: StreamThinkingDelta, Text: text}, true
		case "lifecycle":
			if ss.Data.Phase == "end" || ss.Data.Phase == "done" {
				return StreamEvent{Kind: StreamLifecycleEnd}, true
			}
			return StreamEvent{}, false
		}
		// Unknown stream name: fall through to best-effort extraction.
		if text != "" {
			return StreamEvent{Kind: StreamTextDelta, Text: text}, true
		}
		return StreamEvent{}, false
	}

	var ts typeShaped
	if err := json.Unmarshal(payload, &ts); err != nil {
		return StreamEvent{}, false
	}
	switch ts.EventType {
	case "tool_call", "tool_use":
		name := ts.Name
		if name == "" {
			name = ts.Tool
		}
		return StreamEvent{Kind: StreamToolCallStarted, ToolName: name}, true
	case "tool_result":
		name := ts.Name
		if name == "" {
			name = ts.Tool
		}
		return StreamEvent{Kind: StreamToolCallResult, ToolName: name, Text: firstNonEmpty(ts.Text, ts.Content)}, true
	case "error":
		msg := firstNonEmpty(ts.Error, ts.Message, ts.Text)
		if msg == "" {
			msg = "agent error"
		}
		return StreamEvent{Kind: StreamError, Err: &StreamFailure{Message: msg}}, true
	case "done", "complete", "final":
		return StreamEvent{Kind: StreamLifecycleEnd, Text: firstNonEmpty(ts.Text, ts.Content)}, true
	case "text", "delta", "assistant":
		if text := firstNonEmpty(ts.Delta, ts.Text, ts.Content); text != "" {
			return StreamEvent{Kind: StreamTextDelta, Text: text}, true
		}
		return StreamEvent{}, false
	}

	// Unknown type discriminator: salvage any text field rather than crash.
	if text := firstNonEmpty(ts.Delta, ts.Text, ts.Content); text != "" {
		return StreamEvent{Kind: StreamTextDelta, Text: text}, true
	}
	return StreamEvent{}, false
}

// ExtractResponseText pulls answer text out of a terminal agent response
// payload. Gateways variously return the whole answer here, only via events,
// or both.
func ExtractResponseText(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		Text    string `json:"text"`
		Content string `json:"content"`
		Result  struct {
			Text string `json:"text"`
		} `json:"result"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return firstNonEmpty(probe.Text, probe.Content, probe.Result.Text)
}

// StreamFailure is the error carried by a normalized error event.
type StreamFailure struct {
	Message string
}

func (f *StreamFailure) Error() string { return f.Message }

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
