// Package main runs the in-memory HTTP relay the e2ee devices talk through
// during development and tests.
//
// HTTP API
//
//	GET  /healthz
//	POST /v1/keys/upload                 publish device keys and one-time keys
//	POST /v1/keys/query                  download device keys of users
//	POST /v1/keys/claim                  claim one one-time key per device
//	PUT  /v1/sendToDevice/{eventType}    queue to-device messages
//	GET  /v1/sync?limit=N                take queued to-device events
//	POST /v1/rooms/{roomID}/join
//	GET  /v1/rooms/{roomID}/members
//	POST /v1/rooms/{roomID}/send/{eventType}
//	GET  /v1/rooms/{roomID}/messages?since=N
//
// Every /v1 request names the calling device in the X-E2EE-User and
// X-E2EE-Device headers.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Responses are JSON. Non-2xx statuses carry an error code and message.
//   - Every request is logged at debug level with method, path, status and duration.
//   - The default listen address is 127.0.0.1:8080.
//
// The relay never sees plaintext or private keys; it only stores public
// keys and ciphertext.
package main
