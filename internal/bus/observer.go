package bus

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// writeWait is the timeout for writing to a WebSocket.
	writeWait = 10 * time.Second

	// pongWait is the timeout for pong responses.
	pongWait = 60 * time.Second

	// pingPeriod is how often to send ping frames.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound client frames. Clients only send
	// control traffic.
	maxMessageSize = 512

	// clientBuffer is the per-client outbound queue depth.
	clientBuffer = 256

	// fanoutBuffer is the depth of the manager's inbound event queue.
	fanoutBuffer = 256
)

// outbound is one marshaled event heading for the client set, with its
// type kept for per-client filtering.
type outbound struct {
	eventType EventType
	data      []byte
}

// Observer bridges the broadcaster to WebSocket clients. Each connection
// gets its own outbound queue; a client that cannot keep up is
// disconnected instead of applying backpressure to the bus.
//
// The manager goroutine is the sole owner of every client's send channel:
// all sends and the eventual close happen there, so a disconnect can never
// race a fan-out into a send on a closed channel.
type Observer struct {
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader

	// clients is written only by the manager goroutine; the mutex exists
	// for ClientCount readers.
	clients   map[*wsClient]bool
	clientsMu sync.RWMutex

	register   chan *wsClient
	unregister chan *wsClient
	events     chan outbound

	done chan struct{}
	wg   sync.WaitGroup
}

// wsClient is one WebSocket connection with its type filter.
type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[EventType]bool // empty means all types
}

func (c *wsClient) wants(t EventType) bool {
	return len(c.types) == 0 || c.types[t]
}

// NewObserver creates an observer attached to the broadcaster. Call Start
// before mounting HandleWS.
func NewObserver(broadcaster *Broadcaster) *Observer {
	return &Observer{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Local tool, no cross-origin restrictions.
				return true
			},
		},
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan outbound, fanoutBuffer),
		done:       make(chan struct{}),
	}
}

// Start subscribes to the bus and runs the client manager.
func (o *Observer) Start() {
	o.broadcaster.Subscribe(o.handleBusEvent)

	o.wg.Add(1)
	go o.runClientManager()
}

// Stop disconnects all clients and halts the manager. The manager itself
// performs the disconnects so channel ownership stays in one place.
func (o *Observer) Stop() {
	close(o.done)
	o.wg.Wait()
}

// ClientCount returns the number of connected clients.
func (o *Observer) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

// runClientManager owns the client set: registration, fan-out, and
// disconnection all run on this goroutine.
func (o *Observer) runClientManager() {
	defer o.wg.Done()

	for {
		select {
		case client := <-o.register:
			o.clientsMu.Lock()
			o.clients[client] = true
			total := len(o.clients)
			o.clientsMu.Unlock()
			log.Debug().Int("clients", total).Msg("websocket client connected")

		case client := <-o.unregister:
			o.dropClient(client)

		case msg := <-o.events:
			for client := range o.clients {
				if !client.wants(msg.eventType) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Too far behind, cut the connection.
					o.dropClient(client)
				}
			}

		case <-o.done:
			o.clientsMu.Lock()
			for client := range o.clients {
				close(client.send)
				client.conn.Close()
				delete(o.clients, client)
			}
			o.clientsMu.Unlock()
			return
		}
	}
}

// dropClient removes a client and closes its channel. Only the manager
// goroutine calls this.
func (o *Observer) dropClient(client *wsClient) {
	o.clientsMu.Lock()
	defer o.clientsMu.Unlock()
	if _, ok := o.clients[client]; !ok {
		return
	}
	delete(o.clients, client)
	close(client.send)
	client.conn.Close()
	log.Debug().Int("clients", len(o.clients)).Msg("websocket client disconnected")
}

// HandleWS upgrades the request to a WebSocket and streams events until
// the client disconnects. An optional types query parameter restricts
// delivery, e.g. ?types=task_progress,task_complete. There is no event
// replay: the stream starts with a connected greeting and carries only
// events published afterwards.
func (o *Observer) HandleWS(w http.ResponseWriter, r *http.Request) {
	types := make(map[EventType]bool)
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types[EventType(t)] = true
			}
		}
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, clientBuffer),
		types: types,
	}

	// Safe before registration: no other goroutine holds the channel yet.
	if data, err := json.Marshal(NewEvent(EventConnected)); err == nil {
		client.send <- data
	}

	select {
	case o.register <- client:
	case <-o.done:
		conn.Close()
		return
	}

	o.wg.Add(2)
	go o.writePump(client)
	go o.readPump(client)
}

// writePump drains the client's queue to the wire and keeps the
// connection alive with pings.
func (o *Observer) writePump(client *wsClient) {
	defer o.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := client.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush anything already queued in the same frame batch.
			n := len(client.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-client.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames so pongs are processed, and triggers
// unregistration when the peer goes away.
func (o *Observer) readPump(client *wsClient) {
	defer o.wg.Done()
	defer func() {
		select {
		case o.unregister <- client:
		case <-o.done:
		}
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// handleBusEvent hands one bus event to the manager for fan-out. Never
// blocks; if the manager's queue is full the event is dropped for the
// websocket audience, matching the bus's own overflow policy.
func (o *Observer) handleBusEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("marshal event")
		return
	}

	select {
	case o.events <- outbound{eventType: event.Type, data: data}:
	default:
		log.Debug().Str("type", string(event.Type)).Msg("websocket fanout queue full, event dropped")
	}
}
