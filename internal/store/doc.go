// Package store persists the local device's crypto state.
//
// AccountFileStore keeps the Olm account in a passphrase-encrypted file
// (scrypt and ChaCha20-Poly1305). DeviceFileStore keeps the
// tracked users' device lists as JSON. BoltStore is an embedded bbolt
// database holding Olm sessions, inbound Megolm sessions, outbound
// shared-with records, withheld notices and outgoing key requests, each
// record encoded as deterministic CBOR.
package store
