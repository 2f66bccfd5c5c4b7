package network

import (
	"context"

	"github.com/cockroachdb/errors"

	"xcom/dlog"
	"xcom/xcomproto"
)

var (
	ErrClosed      = errors.New("connection closed")
	ErrUnknownPeer = errors.New("no node listening at address")
	ErrQueueFull   = errors.New("send queue full")
)

var log = dlog.Logger("xcom/net")

// ConnectionDescriptor is one end of a bidirectional connection. Messages
// sent on it arrive at the other end's InboundFunc together with the
// descriptor to answer on.
type ConnectionDescriptor interface {
	Addr() string
	Send(m *xcomproto.PaxMsg) error
	Close() error
	Connected() bool
}

// InboundFunc receives every message read from any connection of a provider.
// It is called from the provider's reader goroutines.
type InboundFunc func(conn ConnectionDescriptor, m *xcomproto.PaxMsg)

// Provider accepts connections at self and dials others. An empty self only
// allows dialing out.
type Provider interface {
	Start(ctx context.Context, self string, inbound InboundFunc) error
	Connect(ctx context.Context, addr string) (ConnectionDescriptor, error)
	Stop() error
}
