// Package auth verifies bearer tokens for the HTTP API.
//
// JWTVerifier validates HS256 tokens signed with the configured secret; the
// sub claim is the user id. StaticVerifier maps fixed tokens to user ids for
// tests and development.
package auth
