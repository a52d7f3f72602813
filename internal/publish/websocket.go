package publish

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

type WebSocketConfig struct {
	Listen string `yaml:"listen"` // e.g. ":8080"
	Path   string `yaml:"path"`

	// Frames buffered per client before the oldest is dropped.
	Queue int `yaml:"queue"`
}

// WebSocket serves frames to any number of clients as binary msgpack
// messages. Slow clients lose their oldest frames, never the producer's time.
type WebSocket struct {
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	queue    int
	clients  broadcaster
	done     chan struct{}
}

// NewWebSocket starts listening immediately.
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	if cfg.Path == "" {
		cfg.Path = "/frames"
	}
	if cfg.Queue < 1 {
		cfg.Queue = 2
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, errors.Wrap(err, "websocket listen")
	}

	mux := http.NewServeMux()
	s := &WebSocket{
		server:   &http.Server{Handler: mux},
		listener: ln,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		queue: cfg.Queue,
		done:  make(chan struct{}),
	}
	mux.HandleFunc(cfg.Path, s.handle)

	go func() {
		defer close(s.done)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("websocket server: %v", err)
		}
	}()
	log.Info("Serving frames on ws://%s%s", ln.Addr(), cfg.Path)
	return s, nil
}

// Addr is the bound listen address.
func (s *WebSocket) Addr() net.Addr {
	return s.listener.Addr()
}

// Clients is the number of connected clients.
func (s *WebSocket) Clients() int {
	return s.clients.len()
}

func (s *WebSocket) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade: %v", err)
		return
	}
	defer ws.Close()
	log.Debug("websocket client %s connected", ws.RemoteAddr())

	queue := s.clients.subscribe(s.queue)

	// Reader: detect the client going away. Incoming messages are ignored.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-queue:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(time.Second))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				log.Debug("websocket client %s: %v", ws.RemoteAddr(), err)
				s.clients.unsubscribe(queue)
				return
			}
		case <-gone:
			log.Debug("websocket client %s disconnected", ws.RemoteAddr())
			s.clients.unsubscribe(queue)
			return
		}
	}
}

func (s *WebSocket) Publish(f *Frame) {
	if s.clients.len() == 0 {
		return
	}
	msg, err := Encode(f)
	if err != nil {
		log.Warn("encode frame %d: %v", f.Seq, err)
		return
	}
	s.clients.write(msg)
}

// Close disconnects every client and stops the server.
func (s *WebSocket) Close() error {
	s.clients.close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}
