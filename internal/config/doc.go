// Package config loads the settings of the e2ee CLI and relay.
//
// A config file is optional. YAML (.yaml, .yml) and JSON with comments
// (.json, .jsonc) are accepted. Values from the file are applied over
// Default, then E2EE_* environment variables override both:
//
//	E2EE_HOME                  data directory
//	E2EE_RELAY_URL             relay base URL
//	E2EE_USER_ID               account user id
//	E2EE_DEVICE_ID             account device id
//	E2EE_LOG_LEVEL             zerolog level name
//	E2EE_ROTATION_MSGS         messages per outbound session
//	E2EE_ROTATION_PERIOD       outbound session lifetime (Go duration)
//	E2EE_BLACKLIST_UNVERIFIED  withhold keys from unverified devices
//	E2EE_WARN_UNKNOWN_DEVICES  refuse to encrypt for unknown devices
//	E2EE_GOSSIP                request and answer room keys
package config
