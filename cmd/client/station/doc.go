// Package station is the tablet side of the slot session API.
//
// A station resolves its device fingerprint, asks the server whether the
// device may be used, logs its operator into a slot and keeps the session
// alive with heartbeats until logout or eviction.
package station
