// Package relay is the minimal homeserver the devices talk through.
//
// Hub keeps the device-key directory, the one-time key pool, per-device
// to-device queues and room timelines in memory. Local binds a Hub to one
// device as an in-process domain.Transport; Server exposes the Hub over
// HTTP (chi) and HTTP is the matching client.
//
// Non-2xx statuses are returned as errors with the method, path and
// status text.
package relay
