// Package presence turns periodic station-count samples into JOIN and LEAVE
// events. Only net changes between two consecutive samples are reported;
// individual station identities are not tracked.
package presence
