// Package admin is the operator surface of callflow.
//
// [Service] lists and filters workflow state, reports stage counts, and
// lists or replays dead letters. Retry and Cancel never touch workflow
// state directly: they publish retry_requested and cancel_requested
// commands, so every state change goes through the orchestrator.
//
// [Server] exposes the service over HTTP under /v1, with optional HS256
// bearer tokens ([JWTAuthenticator]) and a WebSocket stream of lifecycle
// events at /v1/watch.
package admin
