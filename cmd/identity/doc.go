// Package identity holds the principal model shared by the HTTP, WebSocket and
// station layers: the closed Role set, the authenticated Principal, role
// persistence, and the sentinel error kinds the API maps to status codes.
package identity
