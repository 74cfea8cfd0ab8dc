// Package wire defines the JSON frame vocabulary spoken over the
// websocket conversation endpoint: the two client frame types (message,
// pong) and the server frames that carry handshake acknowledgement,
// streamed text, tool and task events, heartbeats, and turn completion.
package wire
