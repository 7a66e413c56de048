// Package input turns local buttons into press events for the node loop.
// Level-sampled buttons (sysfs GPIO value files) are converted to press
// edges; line-driven buttons treat each line read from a stream as one press
// of the named button.
package input
