// Package registry tracks active conversation sockets, one per
// (conversation, user) key, and owns the heartbeat/timeout state machine
// that detects and removes dead peers. All outbound writes to a connection
// flow through the registry so frames never interleave.
package registry
