package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/common"
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20 // setup payloads are small; 1MB is generous
)

// Server is the relay process: websocket endpoints for both wire framings
// plus the health and metrics queries.
type Server struct {
	logger   *zap.Logger
	hub      *Hub
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	httpSrv  *http.Server
}

// NewServer creates a relay server listening on the given port.
func NewServer(logger *zap.Logger, port int) *Server {
	s := &Server{
		logger: logger,
		hub:    NewHub(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers connect from pages served elsewhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS(RawCodec{}))
	mux.HandleFunc("/socket", s.serveWS(EventCodec{}))
	mux.HandleFunc("/health", s.serveHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.mux = mux
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Hub exposes the server's message router.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler exposes the server's routes for embedding in tests or another
// listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Relay server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("relay server failed: %w", err)
	}
}

// serveWS upgrades a connection and runs its read loop with the endpoint's
// codec. One goroutine per connection; sends are serialized per connection.
func (s *Server) serveWS(codec Codec) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Error("Websocket upgrade failed", zap.Error(err))
			return
		}

		s.logger.Info("New relay connection", zap.String("remote", conn.RemoteAddr().String()))
		peer := &Peer{Sender: &wsSender{conn: conn, codec: codec}}
		s.readLoop(conn, codec, peer)
	}
}

func (s *Server) readLoop(conn *websocket.Conn, codec Codec, peer *Peer) {
	defer func() {
		s.hub.HandleDisconnect(peer)
		conn.Close()
		s.logger.Info("Relay connection closed", zap.String("remote", conn.RemoteAddr().String()))
	}()

	conn.SetReadLimit(maxFrameSize)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Relay connection error", zap.Error(err))
			}
			return
		}

		env, err := codec.Decode(frame)
		if err != nil {
			s.logger.Warn("Undecodable frame", zap.Error(err))
			peer.Send(common.ErrorEnvelope("Invalid message format"))
			continue
		}
		s.hub.HandleMessage(peer, env)
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"sessions":  s.hub.SessionCount(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// wsSender serializes envelope writes onto one websocket connection.
type wsSender struct {
	conn  *websocket.Conn
	codec Codec
	mu    sync.Mutex
}

func (w *wsSender) Send(env *common.Envelope) error {
	frame, err := w.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, frame)
}
