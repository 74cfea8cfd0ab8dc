// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Conversation: a multi-participant chat addressed to one agent role
//   - Message: a persisted user or assistant message within a conversation
//
// Participants are tracked per conversation; the gateway consults them
// during the websocket handshake to decide access.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests with a real database.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateConversation: Conversation already exists
//
// All methods accept context.Context for cancellation support.
package store
