package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/settlegate/pkg/messaging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSClient is one connected operator
type WSClient struct {
	ID          uuid.UUID
	PrincipalID string
	Conn        *websocket.Conn
	Send        chan []byte
	Done        chan struct{}
	once        sync.Once
}

func (c *WSClient) close() {
	c.once.Do(func() { close(c.Done) })
}

// Feed broadcasts routing events to connected operators. Slow clients drop
// messages rather than stall the bus.
type Feed struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*WSClient
	log     *logrus.Entry
}

func NewFeed(log *logrus.Entry) *Feed {
	return &Feed{clients: make(map[uuid.UUID]*WSClient), log: log}
}

// Publish is a messaging handler; it forwards the event envelope as JSON
func (f *Feed) Publish(event *messaging.Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		f.log.WithError(err).Warn("failed to encode feed event")
		return
	}
	f.Broadcast(msg)
}

func (f *Feed) Broadcast(msg []byte) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, client := range f.clients {
		select {
		case client.Send <- msg:
		default:
			f.log.WithField("client_id", client.ID).Warn("operator feed client is slow, dropping message")
		}
	}
}

func (f *Feed) add(client *WSClient) {
	f.mu.Lock()
	f.clients[client.ID] = client
	f.mu.Unlock()
}

func (f *Feed) remove(client *WSClient) {
	f.mu.Lock()
	delete(f.clients, client.ID)
	f.mu.Unlock()
	client.close()
}

// Count returns the number of connected clients
func (f *Feed) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Close disconnects every client
func (f *Feed) Close() {
	f.mu.Lock()
	clients := f.clients
	f.clients = make(map[uuid.UUID]*WSClient)
	f.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	client := &WSClient{
		ID:          uuid.New(),
		PrincipalID: claimsOf(c).PrincipalID,
		Conn:        conn,
		Send:        make(chan []byte, sendBuffer),
		Done:        make(chan struct{}),
	}
	g.feed.add(client)

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

// wsReadPump only handles control frames; operators never send data
func (g *Gateway) wsReadPump(client *WSClient) {
	defer g.feed.remove(client)

	client.Conn.SetReadLimit(512)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message := <-client.Send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done:
			_ = client.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}
