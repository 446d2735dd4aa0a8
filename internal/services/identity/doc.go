// Package identity manages creation, encryption and loading of the local
// device account.
//
// It enforces passphrase policy, generates the Curve25519 identity key and
// Ed25519 fingerprint key, and persists the account via domain.AccountStore.
// The unlocked account is shared with the other services through the
// domain.LocalAccount interface.
package identity
