// Package session owns the execution side of a conversation: each Session
// wraps one long-lived streaming call into the generation runtime, fed by a
// message inbox so many user turns share one execution context, and the
// Pool creates, reuses, and evicts sessions under a capacity bound.
package session
