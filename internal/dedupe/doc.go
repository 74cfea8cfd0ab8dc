// Package dedupe suppresses retransmitted client messages using a
// time-based cache, so a reconnecting client resending a message with the
// same id does not trigger a second runtime turn.
package dedupe
