// Package api hosts the read-only HTTP surface for operators. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/summary for link counts by status.
//   - GET /v1/posts and /v1/posts/{post_id} for archived posts and their links.
package api
