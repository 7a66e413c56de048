// Package registry keeps the hub's table of capture nodes as announced on
// device/<node>/recording, device/<node>/mode and device/<node>/ai.
package registry
