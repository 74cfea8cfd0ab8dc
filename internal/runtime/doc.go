// Package runtime defines the boundary to the upstream text-generation
// runtime: the raw output block union, the Runner interface for one
// long-lived streaming call with open-ended input, and a CLI-backed
// implementation speaking bidirectional stream-json.
//
// The rest of the gateway never depends on the runtime's native message
// vocabulary; translation into neutral stream events happens at the
// session boundary.
package runtime
