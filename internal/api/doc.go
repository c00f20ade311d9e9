// Package api hosts the HTTP server, middleware, and REST handlers for scan
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scans and GET /v1/scans for submission and history.
//   - GET /v1/scans/{id}/... for status, results, pages, and the SSE
//     progress stream.
package api
