// Command vitalq runs the vitalq adaptive admission and scheduling service.
//
// vitalq admits clinical integration work into a priority queue, sizes
// ingest batches against live server load, and forwards items to upstream
// connectors under adaptive per-endpoint timeouts.
//
// Install:
//
//	go install github.com/webqx/vitalq/cmd/vitalq@latest
//
// Usage:
//
//	vitalq run --config ./vitalq.yaml --db ./.data/vitalq.db
package main
