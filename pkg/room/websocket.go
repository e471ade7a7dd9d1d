package room

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errPeerClosed     = errors.New("participant connection closed")
	errSendBufferFull = errors.New("participant send buffer full")
)

// WebSocketOptions tune ServeWebSocket. Zero values use defaults.
type WebSocketOptions struct {
	// AllowedOrigins lists accepted Origin headers. Empty means same-origin
	// only; "*" accepts any origin.
	AllowedOrigins []string
	ReadLimit      int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	SendBuffer     int
}

func (o WebSocketOptions) withDefaults() WebSocketOptions {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 * 1024
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

func (o WebSocketOptions) checkOrigin() func(*http.Request) bool {
	if len(o.AllowedOrigins) == 0 {
		return nil // gorilla's same-origin check
	}
	if slices.Contains(o.AllowedOrigins, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return slices.Contains(o.AllowedOrigins, r.Header.Get("Origin"))
	}
}

type wsPeer struct {
	identity string
	conn     *websocket.Conn
	opts     WebSocketOptions

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (p *wsPeer) Identity() string { return p.identity }

func (p *wsPeer) Send(frame []byte) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close asks the writer to send a close frame and drop the connection.
func (p *wsPeer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// writeLoop is the connection's only writer.
func (p *wsPeer) writeLoop() {
	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()
	defer func() { _ = p.conn.Close() }()

	for {
		select {
		case <-p.done:
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(p.opts.WriteTimeout))
			return
		case frame := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = p.Close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.opts.WriteTimeout)); err != nil {
				_ = p.Close()
				return
			}
		}
	}
}

// ServeWebSocket upgrades the request and serves identity as a participant
// of rm until the connection ends. Text and binary frames are delivered as
// side-channel payloads.
func ServeWebSocket(w http.ResponseWriter, r *http.Request, rm *Room, identity string, opts WebSocketOptions) error {
	if identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return fmt.Errorf("websocket connection without identity")
	}
	opts = opts.withDefaults()

	upgrader := websocket.Upgrader{CheckOrigin: opts.checkOrigin()}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	peer := &wsPeer{
		identity: identity,
		conn:     conn,
		opts:     opts,
		out:      make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
	}
	if err := rm.Join(peer); err != nil {
		_ = conn.Close()
		return err
	}
	go peer.writeLoop()
	defer rm.Leave(peer)
	defer peer.Close()

	conn.SetReadLimit(opts.ReadLimit)
	idle := 2 * opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("websocket read: %w", err)
			}
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		rm.Deliver(identity, data)
	}
}
