// Package message seals and opens Olm-encrypted to-device events.
package message
