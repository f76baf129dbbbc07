package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/actuallyroy/audit-notifier/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 * 1024
	defaultBufSize = 64
)

var errClientClosed = errors.New("the connection is closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,

	// Callers are authenticated by token, not by origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient is a hub client on a websocket connection.
type wsClient struct {
	id       string
	identity model.Identity
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *wsClient) ID() string {
	return c.id
}

func (c *wsClient) Identity() model.Identity {
	return c.identity
}

// Send queues a frame without blocking. A client whose buffer is full is too slow to keep up and
// loses the frame.
func (c *wsClient) Send(frame []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errors.Errorf("send buffer of connection %s is full", c.id)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// abort closes the underlying connection so that a blocked read returns.
func (c *wsClient) abort() {
	c.close()
	_ = c.conn.Close()
}

// ServeWebSocket upgrades the request to a websocket and serves the hub protocol on it for the
// given caller until the connection closes.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request, identity model.Identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("unable to upgrade the connection")
		return
	}

	bufSize := h.settings.SendBuffer
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	client := &wsClient{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, bufSize),
		done:     make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.writePump()
	}()

	h.OnConnect(ctx, client)
	h.readPump(ctx, client)

	h.OnDisconnect(client)
	client.close()
	wg.Wait()
	conn.Close()
}

func (h *Hub) readPump(ctx context.Context, client *wsClient) {
	logger := clientLogger(client)

	client.conn.SetReadLimit(maxFrameSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Warn("connection closed unexpectedly")
			}
			return
		}

		var frame InvocationFrame
		if err = json.Unmarshal(data, &frame); err != nil {
			logger.WithError(err).Warn("unable to decode client frame")
			continue
		}
		if frame.Type != FrameInvocation {
			logger.WithField("frame_type", frame.Type).Warn("ignoring unsupported frame type")
			continue
		}
		h.Invoke(ctx, client, &frame)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.abort()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.abort()
				return
			}
		}
	}
}
