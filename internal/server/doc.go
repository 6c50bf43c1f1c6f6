// Package server exposes an allocator over HTTP with gin.
//
// Routes:
//
//	GET  /health
//	GET  /metrics
//	GET  /api/v1/port/state
//	GET  /api/v1/port/free
//	GET  /api/v1/port/used
//	GET  /api/v1/port/history
//	GET  /api/v1/port/backup/list
//	GET  /api/v1/port/backup/download?filename=NAME
//	POST /api/v1/port/pick
//	POST /api/v1/port/release   optional body {"port": N}
//
// Errors are JSON {"error", "message", "timestamp"}: 409 when the pool is
// exhausted, 503 on lock timeout (with Retry-After) or after shutdown, 404
// for unknown backups and 400 for bad input.
package server
