// Package gossip requests missing Megolm keys from other devices and
// answers such requests.
//
// Outgoing keeps one persisted request per session. A request starts
// unsent, is sent to all of our own devices and to the sender's device,
// and is cancelled once the key arrives. Incoming answers requests from
// devices the share policy allows with an Olm-encrypted
// m.forwarded_room_key, and everyone else with m.room_key.withheld.
package gossip
