// Package api hosts the HTTP front door for scan requests. Notable routes:
//   - POST /v1/scans submits a resource and blocks until its verdict, a rejection or the
//     caller's response deadline.
//   - GET /v1/scans/status?resource= reads the live status view.
//   - POST /v1/verdicts is the scanner callback that records a verdict.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus scraping.
package api
