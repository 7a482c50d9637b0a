// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start or resume a run; per-run stop, snapshot, and
//     item routes under /v1/runs/{run_id}.
//   - POST /v1/credentials/{id}/invalidate for credential administration.
package api
