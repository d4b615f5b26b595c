// Package api hosts the read-only HTTP query layer over crawl results.
// Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources and /v1/sources/{source_id} for the loaded catalog.
//   - GET /v1/sessions and /v1/sessions/{session_id} for run history.
//   - GET /v1/items for paged item queries, and /v1/content/{hash} for the
//     stored body of an item.
package api
