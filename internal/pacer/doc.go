// Package pacer batches streamed text into paced frames.
//
// Text chunks arrive from the runtime faster than a client can usefully
// render them. The pacer accumulates fragments and flushes them as a single
// frame when an interval elapses or the buffer grows large, keeping frame
// counts low without adding visible latency. The interval starts short and
// widens after the first flush. Structured events (tool calls, progress,
// done) flush any pending text first so ordering is preserved, then go out
// immediately.
package pacer
