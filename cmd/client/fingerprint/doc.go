// Package fingerprint gives a station a stable device identifier.
//
// The identifier is derived once from host signals with keyed BLAKE2b and
// cached on disk; later calls return the cached value even if the signals
// change. Deleting the cache file makes the device look new to the registry.
package fingerprint
