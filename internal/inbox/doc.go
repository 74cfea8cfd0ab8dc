// Package inbox provides the push-to-pull bridge between the websocket
// message handler and the long-lived execution call that consumes user
// messages as an open-ended input sequence.
package inbox
