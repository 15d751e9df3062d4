// ABOUTME: Package sessions reads the gateway daemon's on-disk session store.
// ABOUTME: It is the fallback inbound path when push events do not arrive.

// Package sessions polls the gateway daemon's session directory for inbound
// channel messages. The daemon keeps an index file plus one append-only JSONL
// log per session; the poller tails recently updated channel-backed logs and
// surfaces user entries newer than its watermark. Delivery overlaps with the
// push-event path on purpose: the consumer deduplicates.
package sessions
