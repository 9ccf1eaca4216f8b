// ABOUTME: WebSocket channel acceptance and the relay.Conn adapter over gorilla/websocket
// ABOUTME: Validates connect parameters, checks origins, and keeps connections alive with pings

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/relay"
)

const (
	wsReadBuffer  = 1024
	wsWriteBuffer = 1024
)

var wsBufferPool = new(sync.Pool)

// newUpgrader builds the upgrader with the configured origin allow-list.
func newUpgrader(allowedOrigins []string, logger *slog.Logger) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsWriteBuffer,
		WriteBufferPool: wsBufferPool,
		CheckOrigin:     originValidator(allowedOrigins, logger),
	}
}

// originValidator accepts requests without an Origin header, any origin when
// "*" is listed, and otherwise only listed origins.
func originValidator(allowedOrigins []string, logger *slog.Logger) func(*http.Request) bool {
	origins := mapset.NewSet[string]()
	allowAll := false
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
			continue
		}
		if origin != "" {
			origins.Add(strings.ToLower(strings.TrimSuffix(origin, "/")))
		}
	}
	if !allowAll && origins.Cardinality() == 0 {
		origins.Add("http://localhost")
	}
	logger.Debug("websocket origin policy", "allow_all", allowAll, "origins", origins.ToSlice())

	return func(r *http.Request) bool {
		if _, ok := r.Header["Origin"]; !ok {
			return true
		}
		if allowAll {
			return true
		}
		origin := strings.ToLower(r.Header.Get("Origin"))
		if originAllowed(origins, origin) {
			return true
		}
		logger.Warn("rejected websocket connection", "origin", origin)
		return false
	}
}

// originAllowed matches on scheme and host, ignoring the port when the rule omits it.
func originAllowed(origins mapset.Set[string], origin string) bool {
	if origins.Contains(origin) {
		return true
	}
	browser, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for rule := range origins.Iter() {
		allowed, err := url.Parse(rule)
		if err != nil || allowed.Host == "" {
			continue
		}
		if allowed.Scheme != browser.Scheme || allowed.Hostname() != browser.Hostname() {
			continue
		}
		if allowed.Port() == "" || allowed.Port() == browser.Port() {
			return true
		}
	}
	return false
}

// handleWebSocket turns an upgrade request into a relay session.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := relay.Params{
		Identity: q.Get("id"),
		Role:     q.Get("role"),
		Password: q.Get("pwd"),
	}
	if _, err := params.Validate(); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Counted before the upgrade hijacks the connection from the HTTP server.
	g.sessions.Add(1)
	defer g.sessions.Done()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	wc := newWSConn(conn, g.config.Relay, g.logger)
	defer wc.shutdown()

	stop := context.AfterFunc(g.sessionCtx, func() {
		_ = wc.Close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	if err := g.handler.Serve(g.sessionCtx, wc, params); err != nil {
		g.logger.Debug("session ended with error", "identity", params.Identity, "role", params.Role, "error", err)
	}
}

// wsConn adapts a gorilla websocket to relay.Conn. Writes are serialized;
// reads happen only on the session goroutine.
type wsConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu      sync.Mutex
	writeTimeout time.Duration
	pingInterval time.Duration
	pongTimeout  time.Duration

	pingReset    chan struct{}
	pongReceived chan struct{}
	closeCh      chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

func newWSConn(conn *websocket.Conn, cfg config.RelayConfig, logger *slog.Logger) *wsConn {
	conn.SetReadLimit(cfg.ReadLimit)

	wc := &wsConn{
		conn:         conn,
		logger:       logger.With("remote_addr", conn.RemoteAddr().String()),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		pingReset:    make(chan struct{}, 1),
		pongReceived: make(chan struct{}),
		closeCh:      make(chan struct{}),
	}

	conn.SetPongHandler(func(string) error {
		select {
		case wc.pongReceived <- struct{}{}:
		case <-wc.closeCh:
		}
		return nil
	})

	wc.wg.Add(1)
	go wc.pingLoop()
	return wc
}

// Send writes ev as one JSON text frame.
func (wc *wsConn) Send(ctx context.Context, ev relay.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.EventType(), err)
	}

	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()

	_ = wc.conn.SetWriteDeadline(wc.deadline(ctx))
	if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s event: %w", ev.EventType(), err)
	}

	select {
	case wc.pingReset <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns the next data frame.
func (wc *wsConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := wc.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return data, nil
}

// Close sends a close frame with code and reason, then closes the socket.
func (wc *wsConn) Close(code int, reason string) error {
	wc.writeMu.Lock()
	err := wc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wc.writeTimeout))
	wc.writeMu.Unlock()

	wc.shutdown()
	if err != nil && err != websocket.ErrCloseSent {
		return fmt.Errorf("sending close frame: %w", err)
	}
	return nil
}

// shutdown stops the ping loop and closes the socket without a close frame.
func (wc *wsConn) shutdown() {
	wc.closeOnce.Do(func() {
		close(wc.closeCh)
		_ = wc.conn.Close()
	})
	wc.wg.Wait()
}

func (wc *wsConn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(wc.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// pingLoop sends a ping after each idle interval and expects a pong within
// the pong timeout.
func (wc *wsConn) pingLoop() {
	pingTimer := time.NewTimer(wc.pingInterval)
	defer wc.wg.Done()
	defer pingTimer.Stop()

	for {
		select {
		case <-wc.closeCh:
			return

		case <-wc.pingReset:
			if !pingTimer.Stop() {
				<-pingTimer.C
			}
			pingTimer.Reset(wc.pingInterval)

		case <-pingTimer.C:
			wc.writeMu.Lock()
			_ = wc.conn.SetWriteDeadline(time.Now().Add(wc.writeTimeout))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				wc.logger.Debug("ping failed", "error", err)
			}
			_ = wc.conn.SetReadDeadline(time.Now().Add(wc.pongTimeout))
			wc.writeMu.Unlock()
			pingTimer.Reset(wc.pingInterval)

		case <-wc.pongReceived:
			_ = wc.conn.SetReadDeadline(time.Time{})
		}
	}
}
