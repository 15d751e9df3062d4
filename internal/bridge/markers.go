// ABOUTME: Outbound action marker detection in accumulated AI response text.
// ABOUTME: Idempotent by start offset; stripping is a separate pure function.

package bridge

import (
	"regexp"
	"strings"
)

// ActionKind discriminates the three outbound marker kinds.
type ActionKind string

const (
	// ActionSend is a fire-and-forget channel message.
	ActionSend ActionKind = "send"
	// ActionAsk is a send that awaits a reply, correlated by AskID.
	ActionAsk ActionKind = "ask"
	// ActionTask is a generic delegation to the gateway's agent.
	ActionTask ActionKind = "task"
)

// Action is one outbound action detected in response text. Offset is the
// marker's start position in the accumulated buffer and identifies the
// occurrence across repeated scans.
type Action struct {
	Kind    ActionKind
	Channel string
	To      string
	AskID   string
	Content string
	Offset  int
}

var (
	sendMarkerRe = regexp.MustCompile(`(?s)<<<CHANNEL_MESSAGE\s+([^>]*?)>>>(.*?)<<<END_CHANNEL_MESSAGE>>>`)
	askMarkerRe  = regexp.MustCompile(`(?s)<<<CHANNEL_ASK\s+([^>]*?)>>>(.*?)<<<END_CHANNEL_ASK>>>`)
	taskMarkerRe = regexp.MustCompile(`(?s)<<<AGENT_TASK>>>(.*?)<<<END_AGENT_TASK>>>`)

	attrRe = regexp.MustCompile(`(\w+)="([^"]*)"`)
)

// ScanMarkers finds outbound markers in text, skipping any start offset
// already present in seen. Newly found offsets are added to seen, making
// repeated scans of a growing buffer idempotent: each marker occurrence is
// returned exactly once. Markers missing required attributes are ignored.
func ScanMarkers(text string, seen map[int]struct{}) []Action {
	var actions []Action

	for _, m := range sendMarkerRe.FindAllStringSubmatchIndex(text, -1) {
		offset := m[0]
		if _, dup := seen[offset]; dup {
			continue
		}
		attrs := parseAttrs(text[m[2]:m[3]])
		if attrs["channel"] == "" {
			continue
		}
		seen[offset] = struct{}{}
		actions = append(actions, Action{
			Kind:    ActionSend,
			Channel: attrs["channel"],
			To:      attrs["to"],
			Content: strings.TrimSpace(text[m[4]:m[5]]),
			Offset:  offset,
		})
	}

	for _, m := range askMarkerRe.FindAllStringSubmatchIndex(text, -1) {
		offset := m[0]
		if _, dup := seen[offset]; dup {
			continue
		}
		attrs := parseAttrs(text[m[2]:m[3]])
		if attrs["channel"] == "" || attrs["id"] == "" {
			continue
		}
		seen[offset] = struct{}{}
		actions = append(actions, Action{
			Kind:    ActionAsk,
			Channel: attrs["channel"],
			To:      attrs["to"],
			AskID:   attrs["id"],
			Content: strings.TrimSpace(text[m[4]:m[5]]),
			Offset:  offset,
		})
	}

	for _, m := range taskMarkerRe.FindAllStringSubmatchIndex(text, -1) {
		offset := m[0]
		if _, dup := seen[offset]; dup {
			continue
		}
		seen[offset] = struct{}{}
		actions = append(actions, Action{
			Kind:    ActionTask,
			Content: strings.TrimSpace(text[m[2]:m[3]]),
			Offset:  offset,
		})
	}

	return actions
}

// StripMarkers removes all complete markers from text for display. Pure: no
// state, safe to call on every render.
func StripMarkers(text string) string {
	out := sendMarkerRe.ReplaceAllString(text, "")
	out = askMarkerRe.ReplaceAllString(out, "")
	out = taskMarkerRe.ReplaceAllString(out, "")
	return out
}

func parseAttrs(raw string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrRe.FindAllStringSubmatch(raw, -1) {
		attrs[m[1]] = m[2]
	}
	return attrs
}
