// Package device implements the device registry and the access decision
// engine that gates every tablet and browser by its persisted fingerprint.
//
// A fingerprint never seen before is registered inactive and waits for an
// administrator, except on an empty registry: the first account to appear
// there gets its device activated and is promoted to administrator, atomically.
package device
