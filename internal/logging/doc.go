// Package logging builds the process slog logger from the logging section
// of the configuration.
package logging
