// Package api holds the wire types of the LoopFlow HTTP API.
//
// # API Overview
//
// LoopFlow exposes a RESTful API for:
//   - Starting workflow runs from an inline or stored definition
//   - Inspecting runs, their loop regions and loop snapshots
//   - Force-stopping a single loop or cancelling a whole run
//   - Streaming run events over WebSocket
//   - Managing stored workflow definitions
//   - Health monitoring; Prometheus metrics are served on a separate port
//
// # Endpoints
//
//	POST   /api/v1/runs
//	GET    /api/v1/runs
//	GET    /api/v1/runs/history?workflow_id=&limit=
//	GET    /api/v1/runs/{id}
//	GET    /api/v1/runs/{id}/regions
//	GET    /api/v1/runs/{id}/loops
//	GET    /api/v1/runs/{id}/events            (WebSocket)
//	POST   /api/v1/runs/{id}/cancel
//	POST   /api/v1/runs/{id}/loops/{loopId}/stop
//	POST   /api/v1/workflows                   (JSON or YAML body)
//	GET    /api/v1/workflows
//	GET    /api/v1/workflows/{id}
//	DELETE /api/v1/workflows/{id}
//	GET    /health, /ready, /version
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Every JSON response uses the envelope written by api/handlers:
// success, data, error, timestamp and request_id.
package api
