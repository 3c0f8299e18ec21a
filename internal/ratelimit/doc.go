// Package ratelimit provides per-user token-bucket limiting for chat
// messages. Denials carry a retry-after and never queue; a warning fires
// once usage crosses 80% of capacity.
package ratelimit
