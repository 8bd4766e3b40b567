package tunnelrpc

import "context"

// Client is an outbound client scoped to the tunnel of the manager that
// produced it. It stays valid for the lifetime of that tunnel; calls after
// teardown fail with ErrClosed.
type Client struct {
	m *Manager
}

// Client returns an outbound client bound to this manager's tunnel.
func (m *Manager) Client() *Client {
	return &Client{m: m}
}

func (c *Client) Call(ctx context.Context, method string, in, out any) error {
	return c.m.Call(ctx, method, in, out)
}
