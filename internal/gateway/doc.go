// ABOUTME: Package doc for the gateway client.
// ABOUTME: Describes the protocol client owning the duplex gateway connection.

// Package gateway implements the wire-protocol client for the local channel
// gateway daemon: connect/handshake, correlated request/response, push-event
// subscription, and reconnect with exponential backoff. It has no knowledge
// of channels or messages beyond generic request parameters.
package gateway
