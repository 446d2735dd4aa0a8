// Package commands defines the e2ee CLI and wires dependencies for subcommands.
//
// Commands
//
//   - init          Create the device account and publish its keys
//   - fingerprint   Print the device fingerprint
//   - devices       List a user's devices or set their trust
//   - verify        Run SAS verification with another device
//   - join          Join a room on the relay
//   - send          Encrypt and send a room message
//   - recv          Decrypt the messages of a room
//   - sync          Process queued to-device events and key requests
//   - backup        Back up, restore, export and import room keys
//
// # Implementation
//
// The root command loads the configuration (file, then E2EE_* environment,
// then flags) and builds the dependency graph through app.Open before any
// subcommand runs. Subcommands that need keys unlock the account with the
// passphrase given by -p.
package commands
