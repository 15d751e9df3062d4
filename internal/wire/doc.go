// ABOUTME: Wire protocol vocabulary shared by the gateway client and bridge.
// ABOUTME: Defines JSON frame types and normalization of agent stream events.

// Package wire defines the JSON frame protocol spoken with the channel
// gateway daemon and the normalized event vocabulary the rest of fold-relay
// consumes.
package wire
