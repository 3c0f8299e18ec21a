// Package gateway provides the inbound HTTP API.
//
// # Routes
//
//	GET  /healthz
//	POST /api/chat                                        NDJSON event stream
//	GET  /api/sessions/{id}/events?from=&to=              resume by range
//	POST /api/connectors/test
//	POST /api/connectors
//	GET  /api/connectors
//	DELETE /api/connectors/{id}
//	POST   /api/sessions/{id}/connectors/{connector_id}   attach
//	DELETE /api/sessions/{id}/connectors/{connector_id}   detach
//	POST /api/credentials/oauth
//
// All /api routes require a bearer token; the verified subject is the user
// id for rate limiting and connector visibility. A user sees system
// connectors and their own; other users' connectors answer 404, never 403.
//
// Chat orchestration per message: verify, rate-limit, resolve the session's
// attachments, ensure each is active, run the agent with the resolved tool
// set, translate, and stream one JSON object per line with a flush per
// event. The run is detached from the request context, so a client
// disconnect stops delivery but not persistence.
package gateway
