package presence

import (
	"sync"

	"tasting/cmd/identity"
	v1 "tasting/shared/contracts/presence/v1"
)

// Client is one connected presence socket.
//
// Send is never closed: the feed goroutine and the read loop both write to
// it. done signals shutdown.
type Client struct {
	ConnID    string
	Principal identity.Principal
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(connID string, queue int) *Client {
	return &Client{
		ConnID: connID,
		Send:   make(chan v1.Envelope, queue),
		done:   make(chan struct{}),
	}
}

// Done is closed when the client shuts down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close signals shutdown (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
