// Package server exposes the flowd control API over HTTP.
//
// The server is backed by Gin mounted on a plain ServeMux wrapped with h2c,
// so additional http.Handler mounts can share the port. The API surface
// covers DAG inspection, manual triggering, pause/unpause, run and instance
// listing, operator overrides (mark_success, mark_failed, clear), run
// cancellation, pool stats, and a component health endpoint.
package server
