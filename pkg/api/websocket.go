package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/StrathCole/oracle-client/pkg/failover"
	"github.com/StrathCole/oracle-client/pkg/logging"
	"github.com/StrathCole/oracle-client/pkg/metrics"
	"github.com/StrathCole/oracle-client/pkg/sources"
)

// Streamer provides the periodic quote subscriptions behind the stream.
type Streamer interface {
	Subscribe(symbol string, cb failover.Callback, interval time.Duration) (string, error)
	Unsubscribe(id string) error
}

// WebSocketServer handles WebSocket connections for real-time price streaming.
type WebSocketServer struct {
	addr     string
	logger   *logging.Logger
	upgrader websocket.Upgrader
	streamer Streamer
	interval time.Duration

	// Client management
	mu      sync.RWMutex
	clients map[*WebSocketClient]bool
	last    map[string]sources.Quote

	// One orchestrator subscription per symbol, shared by clients
	feedsMu sync.Mutex
	feeds   map[string]*feed

	updates chan sources.Quote

	// Server control
	ctx    context.Context
	cancel context.CancelFunc
}

type feed struct {
	id   string
	refs int
}

// WebSocketClient represents a connected WebSocket client.
type WebSocketClient struct {
	conn            *websocket.Conn
	send            chan []byte
	server          *WebSocketServer
	subscribedAll   bool
	subscribedPairs map[string]bool
	mu              sync.RWMutex
}

// WebSocketMessage represents a client message.
type WebSocketMessage struct {
	Type    string   `json:"type"`    // "subscribe", "unsubscribe", "ping"
	Symbols []string `json:"symbols"` // List of symbols, "*" for all
}

// PriceUpdateMessage is sent to clients.
type PriceUpdateMessage struct {
	Type      string      `json:"type"`      // "price_update"
	Timestamp string      `json:"timestamp"` // ISO 8601 timestamp
	Prices    []PriceData `json:"prices"`
}

// PriceData represents a single price point.
type PriceData struct {
	Symbol           string  `json:"symbol"`
	Price            string  `json:"price"`
	Source           string  `json:"source"`
	Timestamp        string  `json:"timestamp"`
	Confidence       int     `json:"confidence"`
	StalenessSeconds float64 `json:"staleness_seconds"`
}

// NewWebSocketServer creates a new WebSocket server. Symbols subscribed by
// clients are refreshed through streamer every interval.
func NewWebSocketServer(addr string, streamer Streamer, interval time.Duration, logger *logging.Logger) *WebSocketServer {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WebSocketServer{
		addr:     addr,
		logger:   logger,
		streamer: streamer,
		interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		clients: make(map[*WebSocketClient]bool),
		last:    make(map[string]sources.Quote),
		feeds:   make(map[string]*feed),
		updates: make(chan sources.Quote, 100),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handler returns the /ws handler.
func (s *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start starts the WebSocket server and blocks until ctx is cancelled or
// Stop is called.
func (s *WebSocketServer) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go s.broadcastUpdates()

	s.logger.Info("Starting WebSocket server", "addr", s.addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.cancel()
	case <-s.ctx.Done():
	}
	s.releaseAll()
	s.closeClients()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Stop stops the WebSocket server.
func (s *WebSocketServer) Stop() {
	s.cancel()
}

// Publish queues a quote for subscribed clients. It is used both as the
// orchestrator's quote listener and as the feed callback.
func (s *WebSocketServer) Publish(q sources.Quote) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.updates <- q:
	default:
		s.logger.Warn("Update channel full, dropping price update", "symbol", q.Symbol)
	}
}

func (s *WebSocketServer) onFeed(q sources.Quote, err error) {
	if err != nil {
		s.logger.Debug("Stream refresh failed", "error", err)
		return
	}
	s.Publish(q)
}

// acquire starts or joins the feed for symbol.
func (s *WebSocketServer) acquire(symbol string) error {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()

	if f, ok := s.feeds[symbol]; ok {
		f.refs++
		return nil
	}
	id, err := s.streamer.Subscribe(symbol, s.onFeed, s.interval)
	if err != nil {
		return err
	}
	s.feeds[symbol] = &feed{id: id, refs: 1}
	return nil
}

// release leaves the feed for symbol and stops it with its last client.
func (s *WebSocketServer) release(symbol string) {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()

	f, ok := s.feeds[symbol]
	if !ok {
		return
	}
	if f.refs--; f.refs > 0 {
		return
	}
	delete(s.feeds, symbol)
	if err := s.streamer.Unsubscribe(f.id); err != nil {
		s.logger.Debug("Failed to stop feed", "symbol", symbol, "error", err)
	}
}

func (s *WebSocketServer) releaseAll() {
	s.feedsMu.Lock()
	defer s.feedsMu.Unlock()
	for symbol, f := range s.feeds {
		_ = s.streamer.Unsubscribe(f.id)
		delete(s.feeds, symbol)
	}
}

// closeClients closes every connection; read pumps then unregister them.
func (s *WebSocketServer) closeClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		_ = client.conn.Close()
	}
}

// sendLast sends the most recent quote for symbol to one client.
func (s *WebSocketServer) sendLast(c *WebSocketClient, symbol string) {
	s.mu.RLock()
	q, ok := s.last[symbol]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if data, err := encodeUpdate(q); err == nil {
		c.queue(data)
	}
}

// handleWebSocket handles new WebSocket connections.
func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.RecordHTTPRequest("/ws", "400", time.Since(start))
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}
	metrics.RecordHTTPRequest("/ws", "101", time.Since(start))

	client := &WebSocketClient{
		conn:            conn,
		send:            make(chan []byte, 256),
		server:          s,
		subscribedAll:   true, // Subscribe to all by default
		subscribedPairs: make(map[string]bool),
	}

	s.registerClient(client)

	go client.writePump()
	go client.readPump()

	s.logger.Info("New WebSocket client connected", "remote", conn.RemoteAddr())
}

// registerClient adds a client to the server.
func (s *WebSocketServer) registerClient(client *WebSocketClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = true
}

// unregisterClient removes a client and releases its feeds.
func (s *WebSocketServer) unregisterClient(client *WebSocketClient) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
	s.mu.Unlock()

	for _, symbol := range client.pairs() {
		s.release(symbol)
	}
}

// broadcastUpdates broadcasts price updates to all clients.
func (s *WebSocketServer) broadcastUpdates() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case q := <-s.updates:
			s.broadcast(q)
		}
	}
}

func encodeUpdate(q sources.Quote) ([]byte, error) {
	return json.Marshal(PriceUpdateMessage{
		Type:      "price_update",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Prices: []PriceData{{
			Symbol:           q.Symbol,
			Price:            q.Price.String(),
			Source:           q.Source,
			Timestamp:        q.Timestamp.UTC().Format(time.RFC3339),
			Confidence:       q.Confidence,
			StalenessSeconds: q.StalenessSeconds,
		}},
	})
}

// broadcast sends a quote to subscribed clients unless it was already sent.
func (s *WebSocketServer) broadcast(q sources.Quote) {
	data, err := encodeUpdate(q)
	if err != nil {
		s.logger.Error("Failed to marshal price update", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.last[q.Symbol]; ok && prev.Source == q.Source && !q.Timestamp.After(prev.Timestamp) {
		return
	}
	s.last[q.Symbol] = q

	for client := range s.clients {
		if client.shouldReceive(q.Symbol) {
			select {
			case client.send <- data:
			default:
				s.logger.Warn("Client send buffer full, skipping update")
			}
		}
	}
}

// writePump sends messages to the WebSocket connection.
func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.server.logger.Error("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket connection.
func (c *WebSocketClient) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket error", "error", err)
			}
			break
		}

		c.handleMessage(message)
	}
}

// handleMessage processes client messages.
func (c *WebSocketClient) handleMessage(data []byte) {
	var msg WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.server.logger.Warn("Invalid client message", "error", err)
		c.reply(map[string]string{"type": "error", "error": "invalid message"})
		return
	}

	switch msg.Type {
	case "subscribe":
		c.subscribe(msg.Symbols)
	case "unsubscribe":
		c.unsubscribe(msg.Symbols)
	case "ping":
		c.reply(map[string]string{"type": "pong"})
	default:
		c.server.logger.Warn("Unknown message type", "type", msg.Type)
		c.reply(map[string]string{"type": "error", "error": "unknown message type"})
	}
}

func isWildcard(symbols []string) bool {
	return len(symbols) == 0 || (len(symbols) == 1 && symbols[0] == "*")
}

// subscribe subscribes to specific symbols and starts their feeds.
func (c *WebSocketClient) subscribe(symbols []string) {
	if isWildcard(symbols) {
		released := c.reset(true)
		for _, symbol := range released {
			c.server.release(symbol)
		}
		c.reply(map[string]interface{}{"type": "subscribed", "symbols": []string{"*"}})
		return
	}

	var added []string
	for _, raw := range symbols {
		symbol := sources.NormalizeSymbol(raw)
		c.mu.Lock()
		c.subscribedAll = false
		dup := c.subscribedPairs[symbol]
		c.mu.Unlock()
		if dup || symbol == "" {
			continue
		}

		if err := c.server.acquire(symbol); err != nil {
			c.reply(map[string]string{"type": "error", "symbol": symbol, "error": err.Error()})
			continue
		}
		c.mu.Lock()
		c.subscribedPairs[symbol] = true
		c.mu.Unlock()
		c.server.sendLast(c, symbol)
		added = append(added, symbol)
	}

	c.server.logger.Debug("Client subscribed", "symbols", added)
	c.reply(map[string]interface{}{"type": "subscribed", "symbols": added})
}

// unsubscribe unsubscribes from specific symbols.
func (c *WebSocketClient) unsubscribe(symbols []string) {
	var released []string
	if isWildcard(symbols) {
		released = c.reset(false)
	} else {
		c.mu.Lock()
		for _, raw := range symbols {
			symbol := sources.NormalizeSymbol(raw)
			if c.subscribedPairs[symbol] {
				delete(c.subscribedPairs, symbol)
				released = append(released, symbol)
			}
		}
		c.mu.Unlock()
	}

	for _, symbol := range released {
		c.server.release(symbol)
	}
	c.server.logger.Debug("Client unsubscribed", "symbols", symbols)
	c.reply(map[string]interface{}{"type": "unsubscribed", "symbols": released})
}

// reset clears specific subscriptions and returns the symbols dropped.
func (c *WebSocketClient) reset(all bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := make([]string, 0, len(c.subscribedPairs))
	for symbol := range c.subscribedPairs {
		dropped = append(dropped, symbol)
	}
	c.subscribedAll = all
	c.subscribedPairs = make(map[string]bool)
	return dropped
}

func (c *WebSocketClient) pairs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscribedPairs))
	for symbol := range c.subscribedPairs {
		out = append(out, symbol)
	}
	return out
}

// shouldReceive checks if client should receive an update for symbol.
func (c *WebSocketClient) shouldReceive(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribedAll || c.subscribedPairs[symbol]
}

// reply queues a control message for the client.
func (c *WebSocketClient) reply(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.queue(data)
}

func (c *WebSocketClient) queue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}
