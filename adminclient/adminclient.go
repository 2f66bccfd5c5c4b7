// Package adminclient sends administrative requests to a running node and
// waits for its answers.
package adminclient

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"xcom/dlog"
	"xcom/network"
	"xcom/nodelist"
	"xcom/sitedef"
	"xcom/xcomproto"
)

var (
	ErrRequestFailed = errors.New("node refused the request")
	ErrRetry         = errors.New("node is not ready, retry later")
	ErrClosed        = errors.New("client closed")
)

var log = dlog.Logger("xcom/adminclient")

// Client is a connection to one node. Requests may be issued concurrently;
// answers are matched to requests by the UniqueID of their cargo.
type Client struct {
	provider network.Provider
	conn     network.ConnectionDescriptor
	group    uint32

	mu      sync.Mutex
	pending map[uuid.UUID]chan *xcomproto.PaxMsg
	closed  bool
}

// Dial starts provider as a dial-only endpoint and connects it to addr. The
// provider belongs to the client from then on.
func Dial(ctx context.Context, provider network.Provider, addr string, group uint32) (*Client, error) {
	c := &Client{
		provider: provider,
		group:    group,
		pending:  make(map[uuid.UUID]chan *xcomproto.PaxMsg),
	}
	if err := provider.Start(ctx, "", c.onReply); err != nil {
		return nil, errors.Wrap(err, "start client provider")
	}
	conn, err := provider.Connect(ctx, addr)
	if err != nil {
		provider.Stop()
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	c.conn = conn
	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	return c.provider.Stop()
}

func (c *Client) onReply(conn network.ConnectionDescriptor, m *xcomproto.PaxMsg) {
	if m.Op != xcomproto.XcomClientReply || m.A == nil {
		dlog.Printf("ignoring %s from %s", m, conn.Addr())
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[m.A.UniqueID]
	delete(c.pending, m.A.UniqueID)
	c.mu.Unlock()
	if ok {
		ch <- m
	}
}

// call sends a, waits for the matching reply and turns its code into an
// error.
func (c *Client) call(ctx context.Context, a *xcomproto.AppData) (*xcomproto.PaxMsg, error) {
	ch := make(chan *xcomproto.PaxMsg, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[a.UniqueID] = ch
	c.mu.Unlock()

	m := xcomproto.NewPaxMsg(xcomproto.ClientMsg, xcomproto.Synode{GroupID: c.group})
	m.A = a
	m.From = sitedef.VoidNodeNo
	if err := c.conn.Send(m); err != nil {
		c.forget(a.UniqueID)
		return nil, errors.Wrapf(err, "send %s", a.CargoType)
	}

	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		switch r.CliErr {
		case xcomproto.RequestOK:
			return r, nil
		case xcomproto.RequestRetry:
			return r, errors.Wrapf(ErrRetry, "%s", a.CargoType)
		default:
			return r, errors.Wrapf(ErrRequestFailed, "%s", a.CargoType)
		}
	case <-ctx.Done():
		c.forget(a.UniqueID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id uuid.UUID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) cargo(t xcomproto.CargoType) *xcomproto.AppData {
	return xcomproto.NewAppData(c.group, t)
}

func (c *Client) nodesCargo(t xcomproto.CargoType, nodes nodelist.NodeList) *xcomproto.AppData {
	a := c.cargo(t)
	a.Nodes = nodes.Clone()
	return a
}

// AddNode asks the group to admit nodes. It returns once the change is
// decided; the new nodes still have to join.
func (c *Client) AddNode(ctx context.Context, nodes nodelist.NodeList) error {
	_, err := c.call(ctx, c.nodesCargo(xcomproto.AddNodeType, nodes))
	return err
}

func (c *Client) RemoveNode(ctx context.Context, nodes nodelist.NodeList) error {
	_, err := c.call(ctx, c.nodesCargo(xcomproto.RemoveNodeType, nodes))
	return err
}

// Boot makes the node found a group made of nodes.
func (c *Client) Boot(ctx context.Context, nodes nodelist.NodeList) error {
	_, err := c.call(ctx, c.nodesCargo(xcomproto.UnifiedBootType, nodes))
	return err
}

// ForceConfig installs nodes as the membership without consensus.
func (c *Client) ForceConfig(ctx context.Context, nodes nodelist.NodeList) error {
	_, err := c.call(ctx, c.nodesCargo(xcomproto.ForceConfigType, nodes))
	return err
}

func (c *Client) GetEventHorizon(ctx context.Context) (uint32, error) {
	r, err := c.call(ctx, c.cargo(xcomproto.GetEventHorizonType))
	if err != nil {
		return 0, err
	}
	return r.EventHorizon, nil
}

func (c *Client) SetEventHorizon(ctx context.Context, horizon uint32) error {
	if err := sitedef.ValidateEventHorizon(horizon); err != nil {
		return err
	}
	a := c.cargo(xcomproto.SetEventHorizonType)
	a.EventHorizon = horizon
	_, err := c.call(ctx, a)
	return err
}

func (c *Client) SetCacheSize(ctx context.Context, size uint64) error {
	a := c.cargo(xcomproto.SetCacheSizeType)
	a.CacheLimit = size
	_, err := c.call(ctx, a)
	return err
}

// GetSynodeAppData fetches the application payloads decided at synodes.
func (c *Client) GetSynodeAppData(ctx context.Context, synodes []xcomproto.Synode) ([]xcomproto.SynodeAppData, error) {
	a := c.cargo(xcomproto.GetSynodeAppDataType)
	a.Synodes = append([]xcomproto.Synode(nil), synodes...)
	r, err := c.call(ctx, a)
	if err != nil {
		return nil, err
	}
	return r.RequestedSynodeData, nil
}

// ConvertIntoLocalServer turns the node into a group of one.
func (c *Client) ConvertIntoLocalServer(ctx context.Context) error {
	_, err := c.call(ctx, c.cargo(xcomproto.ConvertIntoLocalServerType))
	return err
}

// SendClientAppData proposes payload and waits until the node has delivered
// it.
func (c *Client) SendClientAppData(ctx context.Context, payload []byte) error {
	a := c.cargo(xcomproto.AppType)
	a.Payload = append([]byte(nil), payload...)
	_, err := c.call(ctx, a)
	if err != nil {
		log.Debugf("app data: %v", err)
	}
	return err
}

func MinimumEventHorizon() uint32 {
	return sitedef.MinEventHorizon
}

func MaximumEventHorizon() uint32 {
	return sitedef.MaxEventHorizon
}
