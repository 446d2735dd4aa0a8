// Package devices tracks the device lists of the users we share keys with.
package devices
