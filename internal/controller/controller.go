// ABOUTME: Lifecycle controller owning exactly one gateway client.
// ABOUTME: Discovery, non-blocking connect, interval polling, typed notifications.

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fold-relay/internal/gateway"
	"github.com/2389/fold-relay/internal/wire"
)

// Status is the controller's view of the daemon. "not installed" is reported
// distinctly from "installed but unreachable" so the UI can guide the user.
type Status string

const (
	StatusNotInstalled Status = "not_installed"
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// ErrUnavailable is returned by actions while the gateway is unreachable.
// Actions degrade gracefully instead of panicking or blocking.
var ErrUnavailable = errors.New("controller: gateway unavailable")

// channelEventName is the push-event name carrying channel traffic.
const channelEventName = "channel.event"

// daemonStartGrace is how long a freshly spawned daemon gets before the first
// connect attempt.
const daemonStartGrace = 2 * time.Second

// Snapshot is the current daemon status as last observed.
type Snapshot struct {
	Status     Status    `json:"status"`
	BinaryPath string    `json:"binaryPath,omitempty"`
	CheckedAt  time.Time `json:"checkedAt"`
}

// Options configures a Controller.
type Options struct {
	Binary        string
	SearchPaths   []string
	PollInterval  time.Duration // status+channel refresh, default 30s
	RetryInterval time.Duration // daemon-level reconnect loop, default 60s
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return 30 * time.Second
}

func (o Options) retryInterval() time.Duration {
	if o.RetryInterval > 0 {
		return o.RetryInterval
	}
	return 60 * time.Second
}

// Controller owns one gateway client and its lifecycle. The socket is only
// ever touched through the client's public operations.
type Controller struct {
	client *gateway.Client
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	status     Status
	binaryPath string
	channels   []wire.Channel
	checkedAt  time.Time
	cancel     context.CancelFunc

	activity activityLog

	subMu        sync.Mutex
	statusSubs   map[string]func(Snapshot)
	channelSubs  map[string]func([]wire.Channel)
	activitySubs map[string]func(ActivityEntry)
	eventSubs    map[string]func(wire.ChannelEvent)
}

// New creates a Controller around an existing client. Pass nil logger for the
// default.
func New(client *gateway.Client, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		client:       client,
		opts:         opts,
		logger:       logger.With("component", "controller"),
		status:       StatusDisconnected,
		statusSubs:   make(map[string]func(Snapshot)),
		channelSubs:  make(map[string]func([]wire.Channel)),
		activitySubs: make(map[string]func(ActivityEntry)),
		eventSubs:    make(map[string]func(wire.ChannelEvent)),
	}
}

// Start detects the daemon, connects without blocking the caller, and begins
// the polling and retry loops. Returns immediately.
func (c *Controller) Start(ctx context.Context) {
	path, found := Discover(c.opts.Binary, c.opts.SearchPaths)
	c.mu.Lock()
	c.binaryPath = path
	if !found {
		c.status = StatusNotInstalled
	} else {
		c.status = StatusConnecting
	}
	c.mu.Unlock()
	c.notifyStatus()

	if !found {
		c.logger.Warn("gateway daemon not installed", "binary", c.opts.Binary)
	}

	c.client.Subscribe(gateway.EventConnected, func(json.RawMessage) {
		c.setStatus(StatusConnected)
		c.refresh(context.Background())
	})
	c.client.Subscribe(gateway.EventDisconnected, func(json.RawMessage) {
		c.setStatus(StatusDisconnected)
		c.record("gateway", "disconnected", "")
	})
	c.client.Subscribe(channelEventName, c.handleChannelEvent)

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(runCtx)
}

// run performs the startup connect and then drives the two timer loops: the
// status poll while connected and the daemon retry loop while not.
func (c *Controller) run(ctx context.Context) {
	if c.client.Connect(ctx) {
		c.setStatus(StatusConnected)
		c.refresh(ctx)
	} else {
		c.setStatus(StatusDisconnected)
	}

	poll := time.NewTicker(c.opts.pollInterval())
	retry := time.NewTicker(c.opts.retryInterval())
	defer poll.Stop()
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if c.client.Connected() {
				c.refresh(ctx)
			}
		case <-retry.C:
			// Higher-level loop for a daemon that was not running yet; the
			// client's own socket backoff gives up after a few attempts.
			if !c.client.Connected() {
				if c.client.Connect(ctx) {
					c.setStatus(StatusConnected)
					c.refresh(ctx)
				}
			}
		}
	}
}

// Stop tears down the loops and disposes the client.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.client.Close()
}

// Status returns the current status snapshot.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Status: c.status, BinaryPath: c.binaryPath, CheckedAt: c.checkedAt}
}

// Channels returns the channel list from the last successful poll.
func (c *Controller) Channels() []wire.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Activity returns the recent activity log, oldest first.
func (c *Controller) Activity() []ActivityEntry {
	return c.activity.snapshot()
}

// OnStatusChange registers a status notification; returns an unsubscribe
// handle.
func (c *Controller) OnStatusChange(fn func(Snapshot)) func() {
	return subscribe(&c.subMu, c.statusSubs, fn)
}

// OnChannelsChange registers a channel-list notification.
func (c *Controller) OnChannelsChange(fn func([]wire.Channel)) func() {
	return subscribe(&c.subMu, c.channelSubs, fn)
}

// OnActivity registers an activity-appended notification.
func (c *Controller) OnActivity(fn func(ActivityEntry)) func() {
	return subscribe(&c.subMu, c.activitySubs, fn)
}

// OnChannelEvent registers a handler for re-emitted channel push events.
func (c *Controller) OnChannelEvent(fn func(wire.ChannelEvent)) func() {
	return subscribe(&c.subMu, c.eventSubs, fn)
}

func subscribe[T any](mu *sync.Mutex, m map[string]T, fn T) func() {
	id := uuid.New().String()
	mu.Lock()
	m[id] = fn
	mu.Unlock()
	return func() {
		mu.Lock()
		delete(m, id)
		mu.Unlock()
	}
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	// Never downgrade "not installed"; an unreachable daemon that was never
	// found stays not_installed until discovery succeeds.
	if c.status == StatusNotInstalled && s == StatusDisconnected {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.checkedAt = time.Now()
	c.mu.Unlock()
	c.notifyStatus()
}

func (c *Controller) notifyStatus() {
	snap := c.Status()
	c.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(c.statusSubs))
	for _, fn := range c.statusSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

// record appends to the activity log and fans the entry out.
func (c *Controller) record(source, action, details string) {
	entry := c.activity.append(source, action, details)
	c.subMu.Lock()
	subs := make([]func(ActivityEntry), 0, len(c.activitySubs))
	for _, fn := range c.activitySubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(entry)
	}
}

// handleChannelEvent parses a pushed channel event, records it, and re-emits
// it to typed subscribers.
func (c *Controller) handleChannelEvent(payload json.RawMessage) {
	var evt wire.ChannelEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		c.logger.Warn("malformed channel event", "error", err)
		return
	}
	c.record(evt.ChannelType, evt.EventType, evt.Sender)

	c.subMu.Lock()
	subs := make([]func(wire.ChannelEvent), 0, len(c.eventSubs))
	for _, fn := range c.eventSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(evt)
	}
}

// refresh runs one status and channel-list poll. The channel list is replaced
// wholesale; there are no partial updates.
func (c *Controller) refresh(ctx context.Context) {
	if _, err := c.client.Request(ctx, "health", nil); err != nil {
		c.logger.Debug("health poll failed", "error", err)
		return
	}
	c.mu.Lock()
	c.checkedAt = time.Now()
	c.mu.Unlock()

	payload, err := c.client.Request(ctx, "channels.status", nil)
	if err != nil {
		c.logger.Debug("channel poll failed", "error", err)
		return
	}
	var parsed struct {
		Channels []wire.Channel `json:"channels"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		c.logger.Warn("malformed channel list", "error", err)
		return
	}

	c.mu.Lock()
	changed := !channelsEqual(c.channels, parsed.Channels)
	c.channels = parsed.Channels
	c.mu.Unlock()

	if changed {
		list := c.Channels()
		c.subMu.Lock()
		subs := make([]func([]wire.Channel), 0, len(c.channelSubs))
		for _, fn := range c.channelSubs {
			subs = append(subs, fn)
		}
		c.subMu.Unlock()
		for _, fn := range subs {
			fn(list)
		}
	}
}

func channelsEqual(a, b []wire.Channel) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Status != b[i].Status || a[i].Name != b[i].Name {
			return false
		}
	}
	return true
}

// RefreshStatus forces one poll, attempting a single reconnect first if the
// controller believes it is disconnected.
func (c *Controller) RefreshStatus(ctx context.Context) Snapshot {
	if !c.client.Connected() {
		if c.client.Connect(ctx) {
			c.setStatus(StatusConnected)
		}
	}
	if c.client.Connected() {
		c.refresh(ctx)
	}
	return c.Status()
}

// SendMessage delivers content directly through a connected channel. An
// empty "to" targets the user's own device.
func (c *Controller) SendMessage(ctx context.Context, channel, to, content string) error {
	if !c.client.Connected() {
		return ErrUnavailable
	}
	_, err := c.client.Request(ctx, "send", map[string]string{
		"channel": channel,
		"to":      to,
		"message": content,
	})
	if err != nil {
		return fmt.Errorf("send via %s: %w", channel, err)
	}
	c.record(channel, "message_sent", to)
	return nil
}

// DelegateTask dispatches a task through the gateway's general agent entry
// point, letting the gateway itself resolve recipients.
func (c *Controller) DelegateTask(ctx context.Context, content string) error {
	if !c.client.Connected() {
		return ErrUnavailable
	}
	if _, err := c.client.Request(ctx, "chat.send", map[string]string{"message": content}); err != nil {
		return fmt.Errorf("delegating task: %w", err)
	}
	c.record("agent", "task_delegated", "")
	return nil
}

// ConnectChannel starts the pairing wizard for a channel type.
func (c *Controller) ConnectChannel(ctx context.Context, channelType string) error {
	if !c.client.Connected() {
		return ErrUnavailable
	}
	if _, err := c.client.Request(ctx, "wizard.start", map[string]string{"channel": channelType}); err != nil {
		return fmt.Errorf("starting pairing for %s: %w", channelType, err)
	}
	c.record(channelType, "pairing_started", "")
	return nil
}

// DisconnectChannel logs a channel type out.
func (c *Controller) DisconnectChannel(ctx context.Context, channelType string) error {
	if !c.client.Connected() {
		return ErrUnavailable
	}
	if _, err := c.client.Request(ctx, "channels.logout", map[string]string{"channel": channelType}); err != nil {
		return fmt.Errorf("disconnecting %s: %w", channelType, err)
	}
	c.record(channelType, "disconnected", "")
	return nil
}

// Sessions lists the gateway's known sessions.
func (c *Controller) Sessions(ctx context.Context) (json.RawMessage, error) {
	if !c.client.Connected() {
		return nil, ErrUnavailable
	}
	return c.client.Request(ctx, "sessions.list", nil)
}

// SessionHistory fetches the message history of one session.
func (c *Controller) SessionHistory(ctx context.Context, sessionID string) (json.RawMessage, error) {
	if !c.client.Connected() {
		return nil, ErrUnavailable
	}
	return c.client.Request(ctx, "sessions.history", map[string]string{"sessionId": sessionID})
}

// StartDaemon spawns the external gateway program detached from this process
// and retries the connection after a short grace delay.
func (c *Controller) StartDaemon(ctx context.Context) error {
	c.mu.Lock()
	path := c.binaryPath
	c.mu.Unlock()
	if path == "" {
		return fmt.Errorf("daemon binary %q not found", c.opts.Binary)
	}

	cmd := exec.Command(path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	// Detach: the daemon outlives us and we never wait on it.
	if err := cmd.Process.Release(); err != nil {
		c.logger.Warn("releasing daemon process", "error", err)
	}
	c.record("daemon", "started", path)

	go func() {
		select {
		case <-time.After(daemonStartGrace):
		case <-ctx.Done():
			return
		}
		if c.client.Connect(ctx) {
			c.setStatus(StatusConnected)
			c.refresh(ctx)
		}
	}()
	return nil
}

// Client exposes the owned gateway client for the routing layer.
func (c *Controller) Client() *gateway.Client {
	return c.client
}
