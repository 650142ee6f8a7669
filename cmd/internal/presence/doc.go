// Package presence fans slot session changes out to live subscribers.
//
// A Broker consumes one slot.Store change stream and delivers every change to
// every subscriber in publish order through a bounded per-subscriber queue.
// A subscriber that falls behind loses its backlog and receives a single
// resync event instead; it must reload the active sessions.
//
// WSGateway exposes the feed on /ws/presence using the v1 presence protocol.
package presence
