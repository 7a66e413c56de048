// Package metrics defines the Prometheus instruments shared by capture
// nodes and the hub.
package metrics
