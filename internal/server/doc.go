// Package server implements the hub's audio receiver and router, and the
// HTTP API shared by nodes and the hub. The receiver decodes datagrams with
// the configured layout, tracks each source and forwards the datagram
// unchanged to the targets selected by its flags. The API exposes state,
// sources, devices, statistics, Prometheus metrics and health probes, and
// queues mode changes for the node loop.
package server
