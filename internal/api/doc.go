// Package api implements the diagnostics HTTP API and live WebSocket feed of
// loxone2mqtt.
//
// This package provides:
//   - Read-only endpoints for bridge metrics, indexed paths and state history
//   - A command endpoint that drives controls the same way <name>/set/<path>/cmd does
//   - A WebSocket hub that relays every status update to subscribed clients
//   - Optional HS256 bearer authentication
//
// # Security
//
// When security.jwt_secret is empty every route is open. Otherwise all
// routes except /api/v1/health require "Authorization: Bearer <token>".
// The WebSocket endpoint also accepts the token as a ?token= query
// parameter since browsers cannot set headers on the upgrade request.
// Tokens are minted offline with `loxone2mqtt token`.
package api
