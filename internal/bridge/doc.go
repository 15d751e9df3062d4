// ABOUTME: Package doc for the routing bridge.
// ABOUTME: Connects AI response text and inbound channel traffic.

// Package bridge is the stateful routing layer between an AI conversation
// and the channel gateway: it detects outbound action markers in streamed
// response text, executes them through the controller, tracks pending
// ask/reply exchanges and recently contacted senders, and routes inbound
// channel messages to the right conversation based on what that conversation
// is currently doing.
package bridge
