// Package api hosts the ops HTTP server that runs next to a pipeline. Routes:
//   - GET /healthz and /readyz for probes; ready once the pipeline is built.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/pipeline for queue depths and per-scheduler progress.
package api
