// ABOUTME: Package doc for the gateway lifecycle controller.
// ABOUTME: Owns the client, discovery, polling, and typed notifications.

// Package controller owns the gateway client's lifecycle: daemon discovery,
// non-blocking startup connect, status and channel polling, an append-only
// activity log, and typed change notifications for subscribers. It also
// supplies the imperative actions (send, delegate, channel connect and
// disconnect, daemon start) the embedding host invokes.
package controller
