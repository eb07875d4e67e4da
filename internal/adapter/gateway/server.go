package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ragent/internal/domain"
	"ragent/internal/infra/config"
	"ragent/internal/infra/middleware"
	"ragent/internal/usecase"
)

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan domain.StreamEvent // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

// Server is the WebSocket gateway. Each inbound message frame runs one
// engine turn; the resulting event stream is relayed to the client verbatim,
// so the engine's terminal framing survives the transport unchanged.
type Server struct {
	engine         *usecase.Engine
	auth           Authenticator
	tracker        *ConnTracker
	logger         *slog.Logger
	addr           string
	sendBuffer     int
	ratePerSec     float64
	rateBurst      int
	writeTimeout   time.Duration
	trustedProxies []string
	httpSrv        *http.Server
	boundAddr      string
	nextID         atomic.Uint64
	clients        sync.Map // connID (uint64) -> *clientConn
}

// NewServer creates a gateway server.
func NewServer(engine *usecase.Engine, cfg config.GatewayConfig, logger *slog.Logger) *Server {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	ratePerSec := cfg.RatePerSecond
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	rateBurst := cfg.RateBurst
	if rateBurst <= 0 {
		rateBurst = 5
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	return &Server{
		engine:         engine,
		auth:           NewAuthenticator(cfg.Auth),
		tracker:        NewConnTracker(),
		logger:         logger,
		addr:           cfg.Addr,
		sendBuffer:     sendBuffer,
		ratePerSec:     ratePerSec,
		rateBurst:      rateBurst,
		writeTimeout:   writeTimeout,
		trustedProxies: cfg.TrustedProxies,
	}
}

// Start begins accepting WebSocket connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	// Upgrade attempts are limited per client IP; per-turn limiting is
	// handled per connection in handleMessage.
	upgradeLimit := middleware.UpgradeLimit(ctx, 60, 10, s.trustedProxies)

	mux := http.NewServeMux()
	mux.Handle("/ws", upgradeLimit(http.HandlerFunc(s.handleUpgrade)))
	mux.HandleFunc("/healthz", s.handleHealth)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{Handler: middleware.SecurityHeaders(mux)}
	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		s.dropConn(cc)
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","connections":%d,"sessions":%d}`,
		s.tracker.Count(), s.engine.Pool().Len())
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	clientInfo, err := s.auth.Authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		id:      connID,
		info:    clientInfo,
		ws:      ws,
		sendCh:  make(chan domain.StreamEvent, s.sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.ratePerSec), s.rateBurst),
	}
	s.clients.Store(connID, cc)
	s.tracker.Register(connID)

	s.logger.Info("gateway client connected", "conn_id", connID, "client", clientInfo.Name)

	go s.writeLoop(cc)

	s.readLoop(r.Context(), cc)

	s.dropConn(cc)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

// dropConn tears a connection down. Safe to call more than once.
func (s *Server) dropConn(cc *clientConn) {
	cc.closeOnce.Do(func() { close(cc.done) })
	s.tracker.Close(cc.id)
	s.clients.Delete(cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	// Turns started on this connection stop when it goes away.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame ClientFrame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return // connection closed or error
		}

		switch frame.Type {
		case FrameMessage:
			s.handleMessage(connCtx, cc, frame)
		case FrameInterrupt:
			s.handleInterrupt(cc, frame)
		default:
			s.sendDirect(cc, domain.StreamEvent{
				Type:      domain.EventError,
				SessionID: frame.SessionID,
				Content:   fmt.Sprintf("unknown frame type %q", frame.Type),
			})
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, cc *clientConn, frame ClientFrame) {
	if !cc.limiter.Allow() {
		s.sendDirect(cc, domain.StreamEvent{
			Type:      domain.EventError,
			SessionID: frame.SessionID,
			Content:   "rate limit exceeded, slow down",
			Code:      domain.CodeRateLimit,
		})
		return
	}

	events, err := s.engine.ProcessMessage(ctx, frame.SessionID, frame.Text, frame.Context)
	if err != nil {
		s.sendDirect(cc, domain.StreamEvent{
			Type:      domain.EventError,
			SessionID: frame.SessionID,
			Content:   err.Error(),
			Code:      domain.ErrorCodeOf(err),
		})
		s.sendDirect(cc, domain.StreamEvent{Type: domain.EventEnd, SessionID: frame.SessionID})
		return
	}

	streamer := newEventStreamer(cc.id, s.tracker, cc.sendCh, cc.done)
	go func() {
		for event := range events {
			if !streamer.Send(event) {
				// Client gone: drain so the engine can finish unblocked.
				for range events {
				}
				return
			}
		}
	}()
}

func (s *Server) handleInterrupt(cc *clientConn, frame ClientFrame) {
	sess, err := s.engine.Pool().Get(frame.SessionID)
	if err != nil {
		s.sendDirect(cc, domain.StreamEvent{
			Type:      domain.EventError,
			SessionID: frame.SessionID,
			Content:   "no such session",
			Code:      domain.ErrorCodeOf(err),
		})
		return
	}
	sess.Interrupt()
	s.sendDirect(cc, domain.StreamEvent{
		Type:      domain.EventSystem,
		SessionID: frame.SessionID,
		Content:   "Interrupt requested; the next execution will be cancelled.",
	})
}

// sendDirect queues a server-originated event, dropping it if the client
// cannot keep up. Turn events go through EventStreamer instead, which blocks.
func (s *Server) sendDirect(cc *clientConn, event domain.StreamEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case cc.sendCh <- event:
	case <-cc.done:
	default:
		s.logger.Warn("gateway: dropped event for slow client", "conn_id", cc.id)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case event := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
			err := wsjson.Write(ctx, cc.ws, event)
			cancel()
			if err != nil {
				s.dropConn(cc)
				return
			}
		}
	}
}
