// Package transport sends audio datagrams to a fixed peer over UDP.
// Delivery is best effort: sends never block the caller for longer than a
// short write deadline, failures are counted and logged, and nothing is
// buffered or retried.
package transport
