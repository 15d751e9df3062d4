// ABOUTME: On-disk record shapes of the daemon's session store.
// ABOUTME: An index file plus one append-only JSONL log per session.

package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// indexFile is the session catalog the daemon maintains in the session dir.
const indexFile = "sessions.json"

// Origin describes where a session's traffic comes from. Only channel-backed
// sessions carry inbound messages worth polling.
type Origin struct {
	Kind        string `json:"kind"`
	ChannelID   string `json:"channelId,omitempty"`
	ChannelType string `json:"channelType,omitempty"`
}

// IndexEntry is one session in the catalog. UpdatedAt is unix milliseconds.
type IndexEntry struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updatedAt"`
	Origin    Origin `json:"origin"`
}

// ChannelBacked reports whether the session originates from a messaging
// channel.
func (e IndexEntry) ChannelBacked() bool {
	return e.Origin.Kind == "channel" && e.Origin.ChannelType != ""
}

// LogEntry is one line of a session's JSONL log. Timestamp is unix
// milliseconds.
type LogEntry struct {
	Timestamp int64  `json:"ts"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Sender    string `json:"sender,omitempty"`
}

// readIndex loads the session catalog. A missing file is not an error: the
// daemon may not have created it yet.
func readIndex(dir string) ([]IndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session index: %w", err)
	}
	var entries []IndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing session index: %w", err)
	}
	return entries, nil
}

// logPath returns the JSONL log file of a session.
func logPath(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".jsonl")
}
