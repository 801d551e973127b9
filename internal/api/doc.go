// Package api hosts the read-only status server for a running downloader.
// Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/downloader for the active set, backout state and slots.
//   - GET /v1/downloader/slots/{key} for a single slot.
package api
