// Package slot leases the numbered tasting stations to logged-in operators.
//
// Each slot holds at most one session. Logins are upserts keyed by slot id:
// the last writer wins and receives a fresh lease id, so a pre-empted holder
// finds out on its next heartbeat. Every backend publishes its row changes
// (insert, update, delete) through Store.Watch in commit order.
package slot
