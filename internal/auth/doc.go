// Package auth provides JWT verification for websocket handshakes.
//
// Clients present an HS256-signed bearer token as a query parameter when
// opening a conversation socket. The token's "sub" claim carries the user
// ID; expiry is enforced by the jwt library. Generate exists for issuing
// tokens from tooling and tests.
package auth
