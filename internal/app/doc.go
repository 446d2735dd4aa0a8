// Package app wires a device for the CLI.
//
// NewWire builds the stores, the relay transport and every crypto service
// from a config.Config and exposes them via the Wire struct. Machine routes
// synced to-device events to the service that owns them.
package app
