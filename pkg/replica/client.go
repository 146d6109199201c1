package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/transport"
)

// Client is an Engine bound to a live websocket connection.
type Client struct {
	*Engine
	conn *transport.Connection
	wg   sync.WaitGroup
}

// Dial connects to the relay at serverURL and joins with presentedID. The
// first snapshot arrives asynchronously; use WaitSynced.
func Dial(ctx context.Context, serverURL, presentedID string, cfg transport.ConnectionConfig, logger *slog.Logger) (*Client, error) {
	c := &Client{}
	conn, err := transport.Dial(ctx, &c.wg, serverURL, cfg, nil, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}
	c.conn = conn
	c.Engine = New(conn, logger)
	conn.SetOnMessageHandler(c.Engine.HandleMessage)
	conn.Run()

	if err := c.Engine.Join(presentedID); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Done is closed when the connection ends, from either side.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

func (c *Client) Close() {
	c.conn.Close(nil)
	c.wg.Wait()
}

// Flush waits until every queued edit has been written to the socket.
func (c *Client) Flush(ctx context.Context) error {
	return c.conn.Flush(ctx)
}
