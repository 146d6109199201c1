package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	// ErrSlowConsumer closes a connection whose send buffer filled up.
	ErrSlowConsumer = errors.New("send buffer full")
	ErrClosed       = errors.New("connection closed")
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connId uuid.UUID, msg []byte)

type OnCloseHandler func(connId uuid.UUID, err error)

type ConnectionConfig struct {
	// ReadTimeout bounds the wait for each inbound message. Zero waits forever.
	ReadTimeout time.Duration
	// PingInterval enables heartbeat pings. Zero disables them.
	PingInterval time.Duration
	SendBuffer   int
	// MaxMessageBytes is the websocket read limit. Zero means
	// DefaultMaxMessageBytes.
	MaxMessageBytes int64
}

const defaultSendBuffer = 256

// DefaultMaxMessageBytes is the read limit used when none is configured.
// Map images travel inline as data URLs, so it is well above the 32 KiB
// websocket default.
const DefaultMaxMessageBytes int64 = 16 << 20

// frame is one queued outbound message, or a flush marker when flushed is
// set.
type frame struct {
	msg     []byte
	flushed chan struct{}
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan frame

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if conn != nil {
		conn.SetReadLimit(config.MaxMessageBytes)
	}

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan frame, config.SendBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

// Dial opens a client connection to a websocket endpoint. The returned
// connection is not running yet; call Run after setting the handlers.
func Dial(ctx context.Context, wg *sync.WaitGroup, url string, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) (*Connection, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewConnection(context.WithoutCancel(ctx), wg, conn, config, onMessage, onClose, logger), nil
}

// Run starts the pumps. The wait group is released once both have exited.
func (c *Connection) Run() {
	c.wg.Add(1)
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		c.readPump()
	}()
	go func() {
		defer pumps.Done()
		c.writePump()
	}()
	go func() {
		pumps.Wait()
		c.wg.Done()
	}()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		message, err := c.readMessage()
		if err != nil {
			readErr = err
			return
		}
		if message == nil {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

func (c *Connection) readMessage() ([]byte, error) {
	readCtx, cancelRead := c.ctx, context.CancelFunc(func() {})
	if c.config.ReadTimeout > 0 {
		readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
	}
	defer cancelRead()

	typ, r, err := c.conn.Reader(readCtx)
	if err != nil {
		return nil, err
	}
	// Ensure we are only handling text or binary messages.
	if typ != websocket.MessageText && typ != websocket.MessageBinary {
		return nil, nil
	}
	message, err := io.ReadAll(r)
	if err != nil {
		c.logger.Error("Failed to read message", slog.Any("error", err))
		return nil, err
	}
	return message, nil
}

// writePump pumps messages from the send channel to the WebSocket connection
// and keeps the heartbeat going.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	var tick <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case f := <-c.send:
			if f.flushed != nil {
				close(f.flushed)
				continue
			}
			if err := c.conn.Write(c.ctx, websocket.MessageText, f.msg); err != nil {
				writeErr = err
				return
			}
		case <-tick:
			// Ping waits for the pong, which the read pump delivers.
			pingCtx, cancel := context.WithTimeout(c.ctx, c.config.PingInterval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Warn("Heartbeat failed", slog.Any("error", err))
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send enqueues a message for the client without blocking. It is safe for
// concurrent use. A full buffer means the client stopped reading; the
// connection is closed and false is returned.
func (c *Connection) Send(message []byte) bool {
	select {
	case <-c.ctx.Done():
		c.logger.Debug("Attempted to send on a closed connection")
		return false
	default:
	}

	select {
	case c.send <- frame{msg: message}:
		return true
	default:
		c.logger.Warn("Send buffer full, dropping connection", slog.Int("buffer", cap(c.send)))
		go c.Close(ErrSlowConsumer)
		return false
	}
}

// Flush blocks until every message queued before the call has been written.
func (c *Connection) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	select {
	case c.send <- frame{flushed: flushed}:
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-flushed:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Info("Transport connection closing", slog.Any("reason", err), slog.String("status", status.String()))

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			if errors.Is(err, ErrSlowConsumer) {
				c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
			} else {
				c.conn.Close(websocket.StatusNormalClosure, "")
			}
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		close(c.done)
		c.logger.Info("Connection closed")
	})
}

// returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
