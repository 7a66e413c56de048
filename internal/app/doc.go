// Package app wires the components of one node or hub process from its
// configuration and runs them under a single errgroup.
//
// Every role gets the control bus client, the state machine and the
// cooperative loop. Capture nodes add a capture source, the detector, the
// framer and the uplink sender. The hub adds the audio receiver and router,
// the device registry, the host link and the presence monitor. The HTTP API
// is optional for every role.
package app
