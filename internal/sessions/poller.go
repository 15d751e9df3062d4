// ABOUTME: Periodic poller that tails session logs for inbound messages.
// ABOUTME: Tolerates missing or partial files; ordering comes from timestamps.

package sessions

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"
)

// tailBytes bounds how much of each log file a poll reads. Anything older
// scrolled past long before the previous poll.
const tailBytes = 8 * 1024

// Message is one inbound entry recovered from a session log.
type Message struct {
	ChannelID   string
	ChannelType string
	Sender      string
	Content     string
	Timestamp   int64 // unix milliseconds
}

// Handler receives recovered messages. It must be safe to call from the
// poller's goroutine.
type Handler func(Message)

// Poller scans the session directory on an interval and hands newly appended
// user entries to its handler. It keeps a single watermark: entries at or
// before it were covered by an earlier poll.
type Poller struct {
	dir      string
	interval time.Duration
	handler  Handler
	logger   *slog.Logger

	watermark int64 // unix milliseconds
	now       func() time.Time
}

// NewPoller creates a Poller over dir. The watermark starts at creation time
// so pre-existing history is not replayed.
func NewPoller(dir string, interval time.Duration, handler Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		dir:      dir,
		interval: interval,
		handler:  handler,
		logger:   logger.With("component", "session-poller"),
		now:      time.Now,
	}
	p.watermark = p.now().UnixMilli()
	return p
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// poll performs one scan cycle. Per-file failures are logged and skipped so
// one bad session never aborts the cycle.
func (p *Poller) poll() {
	entries, err := readIndex(p.dir)
	if err != nil {
		p.logger.Debug("session index unavailable", "error", err)
		return
	}

	since := p.watermark
	p.watermark = p.now().UnixMilli()

	for _, entry := range entries {
		if !entry.ChannelBacked() || entry.UpdatedAt <= since {
			continue
		}
		lines, err := tailLines(logPath(p.dir, entry.ID))
		if err != nil {
			p.logger.Debug("session log unreadable", "session", entry.ID, "error", err)
			continue
		}
		for _, line := range lines {
			var rec LogEntry
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			if rec.Timestamp <= since || !inboundRole(rec.Role) {
				continue
			}
			sender, content := splitHeaders(rec.Text)
			if rec.Sender != "" {
				sender = rec.Sender
			}
			if isNoise(content) {
				continue
			}
			p.handler(Message{
				ChannelID:   entry.Origin.ChannelID,
				ChannelType: entry.Origin.ChannelType,
				Sender:      sender,
				Content:     content,
				Timestamp:   rec.Timestamp,
			})
		}
	}
}

// tailLines reads the last tailBytes of a file and returns its complete
// lines. When the read starts mid-file the first (partial) line is dropped.
func tailLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	truncated := false
	if info.Size() > tailBytes {
		if _, err := f.Seek(-tailBytes, io.SeekEnd); err != nil {
			return nil, err
		}
		truncated = true
	}

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, tailBytes), tailBytes)
	for scanner.Scan() {
		if truncated {
			truncated = false
			continue
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, scanner.Err()
}

// inboundRole reports whether a log role represents channel traffic from the
// user's side rather than the agent's.
func inboundRole(role string) bool {
	switch strings.ToLower(role) {
	case "agent", "assistant", "system", "tool":
		return false
	}
	return true
}

// headerRe matches the bracketed metadata prefix the daemon prepends to
// channel entries, e.g. "[whatsapp from Sharif] hello".
var headerRe = regexp.MustCompile(`^\s*\[([^\]]*)\]\s*`)

// splitHeaders strips leading bracketed metadata headers and recovers a
// sender hint from a "from <name>" fragment when one is present.
func splitHeaders(text string) (sender, content string) {
	content = text
	for {
		m := headerRe.FindStringSubmatch(content)
		if m == nil {
			break
		}
		if idx := strings.Index(strings.ToLower(m[1]), "from "); idx >= 0 {
			sender = strings.TrimSpace(m[1][idx+len("from "):])
		}
		content = content[len(m[0]):]
	}
	return sender, strings.TrimSpace(content)
}

// isNoise filters heartbeat and placeholder entries the daemon logs between
// real messages.
func isNoise(content string) bool {
	switch strings.TrimSpace(content) {
	case "", "HEARTBEAT_OK", "NO_REPLY", "SYSTEM":
		return true
	}
	return false
}
