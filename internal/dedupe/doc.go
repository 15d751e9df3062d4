// Package dedupe provides a bounded recent-history set used to deduplicate
// inbound channel messages discovered via both push events and disk polling.
package dedupe
