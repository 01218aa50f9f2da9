package relay

import "context"

// Inbound is one message received from the channel, stamped with the
// origin it arrived from. Origin is asserted per message rather than per
// connection so the transport can reject a compromised peer mid-stream.
type Inbound struct {
	Origin string
	Data   []byte
}

// Channel is the raw duplex pipe to the relay application. Implementations
// own reconnection policy; the transport treats Recv returning an error as
// the channel being permanently closed.
type Channel interface {
	// Open establishes the connection. Open must be called before Send
	// or Recv.
	Open(ctx context.Context) error

	// Send writes one message.
	Send(ctx context.Context, data []byte) error

	// Recv blocks for the next inbound message. It returns
	// ErrChannelClosed after Close.
	Recv(ctx context.Context) (Inbound, error)

	// Close tears the connection down and unblocks pending Recv calls.
	Close() error
}
