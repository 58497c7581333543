package realtime

import (
	"sync"

	v1 "stride/contracts/realtime/v1"
)

// Client represents one live authenticated realtime connection.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - term carries at most one termination notice; the writer drains it with priority
//   so a revoked connection always sees its notice before the socket drops.
// - done is used to signal goroutines to stop; Close is idempotent.
type Client struct {
	ConnectionID string
	UserID       string
	Send         chan v1.Envelope

	term      chan v1.Envelope
	done      chan struct{}
	closeOnce sync.Once
	termOnce  sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connectionID, userID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnectionID: connectionID,
		UserID:       userID,
		Send:         make(chan v1.Envelope, sendQueueSize),
		term:         make(chan v1.Envelope, 1),
		done:         make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Term returns the termination-notice channel (capacity one).
func (c *Client) Term() <-chan v1.Envelope { return c.term }

// Terminate queues the one termination notice for this client. Only the
// first call wins; later calls report false.
func (c *Client) Terminate(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	delivered := false
	c.termOnce.Do(func() {
		c.term <- env
		delivered = true
	})
	return delivered
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
