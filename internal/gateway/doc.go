// Package gateway serves the websocket conversation API.
//
// # Handshake
//
// Clients connect to /api/v1/ws/conversations/{id}?token=JWT. The upgrade
// is accepted first so rejections can carry application close codes:
//
//	4001  invalid or expired token
//	4003  access denied (not a participant)
//	4004  conversation not found
//	4000  internal failure
//
// On success the gateway registers the connection, sends a "connected"
// frame, and enters the dispatch loop.
//
// # Dispatch
//
// Pong frames feed the heartbeat state machine. Message frames persist the
// user message, relay it to the other connected participants, and drive one
// runtime turn: session events stream back through an output pacer, and a
// final "done" frame carries the persisted assistant message id. Turns are
// serialized on the session, so participants sharing one conversation each
// consume their own turn; the read loop keeps running so heartbeats are
// answered while the runtime streams.
//
// # Health
//
// GET /api/v1/ws/health reports connection and session counts plus the
// configured heartbeat timings.
package gateway
