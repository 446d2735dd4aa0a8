// Package megolm manages Megolm group sessions for room encryption.
//
// Outbound keeps one session per room. Before each message it resolves the
// recipients' devices, rotates the session after RotationPeriodMsgs
// messages, after RotationPeriod, or when a device that holds the key has
// left, and shares the key with new devices over Olm in batches. Devices
// that may not read the room get an m.room_key.withheld notice instead.
//
// Inbound stores the sessions we receive, decrypts room events, and queues
// events whose key has not arrived yet. When the key arrives the queued
// events are replayed once, in arrival order.
package megolm
