// ABOUTME: Tests for outbound marker detection and stripping.
// ABOUTME: Covers offset idempotence across repeated scans of a growing buffer.

package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanMarkersSend(t *testing.T) {
	seen := make(map[int]struct{})
	text := `Sure, sending now.
<<<CHANNEL_MESSAGE channel="whatsapp" to="Sharif">>>On my way, see you at 6.<<<END_CHANNEL_MESSAGE>>>`

	actions := ScanMarkers(text, seen)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSend, actions[0].Kind)
	assert.Equal(t, "whatsapp", actions[0].Channel)
	assert.Equal(t, "Sharif", actions[0].To)
	assert.Equal(t, "On my way, see you at 6.", actions[0].Content)
}

func TestScanMarkersAsk(t *testing.T) {
	seen := make(map[int]struct{})
	text := `<<<CHANNEL_ASK channel="whatsapp" to="Sam" id="q1">>>Does 3pm work for you?<<<END_CHANNEL_ASK>>>`

	actions := ScanMarkers(text, seen)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionAsk, actions[0].Kind)
	assert.Equal(t, "q1", actions[0].AskID)
	assert.Equal(t, "Sam", actions[0].To)
	assert.Equal(t, "Does 3pm work for you?", actions[0].Content)
}

func TestScanMarkersTask(t *testing.T) {
	seen := make(map[int]struct{})
	text := `<<<AGENT_TASK>>>Summarize today's unread messages.<<<END_AGENT_TASK>>>`

	actions := ScanMarkers(text, seen)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionTask, actions[0].Kind)
	assert.Equal(t, "Summarize today's unread messages.", actions[0].Content)
}

func TestScanMarkersIdempotentAcrossGrowingBuffer(t *testing.T) {
	seen := make(map[int]struct{})
	first := `<<<CHANNEL_MESSAGE channel="sms" to="+15550123">>>hello<<<END_CHANNEL_MESSAGE>>>`

	actions := ScanMarkers(first, seen)
	require.Len(t, actions, 1)

	// Re-scanning the same buffer yields nothing new.
	assert.Empty(t, ScanMarkers(first, seen))

	// The buffer grows with a second marker; only the new one is returned.
	grown := first + ` and also <<<CHANNEL_MESSAGE channel="sms" to="+15550123">>>hello<<<END_CHANNEL_MESSAGE>>>`
	actions = ScanMarkers(grown, seen)
	require.Len(t, actions, 1)
	assert.Greater(t, actions[0].Offset, 0)
	assert.Equal(t, "hello", actions[0].Content)

	assert.Empty(t, ScanMarkers(grown, seen))
}

func TestScanMarkersIncompleteIgnored(t *testing.T) {
	seen := make(map[int]struct{})
	text := `<<<CHANNEL_MESSAGE channel="whatsapp">>>still stream`
	assert.Empty(t, ScanMarkers(text, seen))

	// Once the close marker streams in, the action is picked up.
	complete := text + `ing<<<END_CHANNEL_MESSAGE>>>`
	actions := ScanMarkers(complete, seen)
	require.Len(t, actions, 1)
	assert.Equal(t, "still streaming", actions[0].Content)
}

func TestScanMarkersMissingRequiredAttrs(t *testing.T) {
	seen := make(map[int]struct{})

	// Send without channel, ask without id: both dropped.
	text := `<<<CHANNEL_MESSAGE to="Sam">>>no channel<<<END_CHANNEL_MESSAGE>>>` +
		`<<<CHANNEL_ASK channel="whatsapp">>>no id<<<END_CHANNEL_ASK>>>`
	assert.Empty(t, ScanMarkers(text, seen))
}

func TestScanMarkersMixedKinds(t *testing.T) {
	seen := make(map[int]struct{})
	text := `<<<CHANNEL_MESSAGE channel="whatsapp" to="Ana">>>hi<<<END_CHANNEL_MESSAGE>>>` +
		`<<<AGENT_TASK>>>check calendar<<<END_AGENT_TASK>>>` +
		`<<<CHANNEL_ASK channel="whatsapp" to="Ana" id="q9">>>lunch?<<<END_CHANNEL_ASK>>>`

	actions := ScanMarkers(text, seen)
	require.Len(t, actions, 3)

	kinds := map[ActionKind]bool{}
	for _, a := range actions {
		kinds[a.Kind] = true
	}
	assert.True(t, kinds[ActionSend])
	assert.True(t, kinds[ActionAsk])
	assert.True(t, kinds[ActionTask])
}

func TestStripMarkers(t *testing.T) {
	text := `Done! <<<CHANNEL_MESSAGE channel="whatsapp" to="Sharif">>>On my way<<<END_CHANNEL_MESSAGE>>> Anything else?`
	assert.Equal(t, "Done!  Anything else?", StripMarkers(text))

	// Incomplete markers stay; only complete ones are removed.
	partial := `Working <<<CHANNEL_MESSAGE channel="x">>>half`
	assert.Equal(t, partial, StripMarkers(partial))
}
