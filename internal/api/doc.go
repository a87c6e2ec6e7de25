// Package api hosts the HTTP control surface for operators. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs for creating, starting, stopping and listing crawl jobs.
//   - /v1/delay for reading and changing the inter-page delay.
//   - /v1/accounts for managing the account pool.
package api
