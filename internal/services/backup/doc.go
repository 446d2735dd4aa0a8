// Package backup keeps age-encrypted copies of the inbound Megolm sessions.
//
// Sessions not yet backed up are written in batches to files in the backup
// directory, encrypted to an age X25519 recipient, and flagged in the
// store. Restore reads them back with the matching identity. Manual key
// exports are armored and protected with a passphrase instead.
package backup
