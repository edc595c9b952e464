package connection

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tos-network/tos-pool/internal/config"
	"github.com/tos-network/tos-pool/internal/coordinator"
	"github.com/tos-network/tos-pool/internal/newrelic"
	"github.com/tos-network/tos-pool/internal/policy"
	"github.com/tos-network/tos-pool/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketServer is the second Connection adapter: the same lifecycle and
// submission events as StratumServer, carried over a WebSocket instead of
// raw TCP, for provers behind environments that only permit HTTP(S).
type WebSocketServer struct {
	cfg    *config.Config
	coord  *coordinator.Server
	policy *policy.PolicyServer
	nr     *newrelic.Agent
	server *http.Server

	clientSeq uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

type wsRequest struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// wsSession implements coordinator.Sender over a gorilla/websocket
// connection.
type wsSession struct {
	id         uint64
	conn       *websocket.Conn
	remoteAddr string
	nr         *newrelic.Agent

	writeMu sync.Mutex
	closed  atomic.Bool

	addrMu  sync.RWMutex
	address string
}

func (w *wsSession) setAddress(address string) {
	w.addrMu.Lock()
	w.address = address
	w.addrMu.Unlock()
}

func (w *wsSession) getAddress() string {
	w.addrMu.RLock()
	defer w.addrMu.RUnlock()
	return w.address
}

func (w *wsSession) Send(msg interface{}) error {
	if resp, ok := msg.(coordinator.Response); ok && w.nr != nil {
		w.nr.RecordShareSubmission(w.getAddress(), "", 0, resp.Err == nil)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.closed.Load() {
		return nil
	}
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(wireMessage(msg))
}

func (w *wsSession) Close() {
	if w.closed.CompareAndSwap(false, true) {
		w.conn.Close()
	}
}

// NewWebSocketServer creates a new WebSocket connection adapter.
func NewWebSocketServer(cfg *config.Config, coord *coordinator.Server, policyServer *policy.PolicyServer) *WebSocketServer {
	return &WebSocketServer{
		cfg:    cfg,
		coord:  coord,
		policy: policyServer,
		quit:   make(chan struct{}),
	}
}

// SetNewRelicAgent attaches an APM agent for connection lifecycle events,
// mirroring StratumServer.SetNewRelicAgent.
func (s *WebSocketServer) SetNewRelicAgent(agent *newrelic.Agent) {
	s.nr = agent
}

// Start begins the WebSocket server if enabled in configuration.
func (s *WebSocketServer) Start() error {
	if !s.cfg.Connection.WebSocketEnabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleConnection)
	mux.HandleFunc("/", s.handleConnection)

	s.server = &http.Server{Addr: s.cfg.Connection.WebSocketBind, Handler: mux}
	util.Infof("WebSocket server listening on %s", s.cfg.Connection.WebSocketBind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("WebSocket server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the server.
func (s *WebSocketServer) Stop() {
	close(s.quit)
	if s.server != nil {
		s.server.Close()
	}
	s.wg.Wait()
	util.Info("WebSocket server stopped")
}

func (s *WebSocketServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	ip := r.RemoteAddr
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		ip = forwarded
	}

	if s.policy != nil {
		if s.policy.IsBanned(ip) {
			http.Error(w, "Banned", http.StatusForbidden)
			return
		}
		if !s.policy.ApplyConnectionLimit(ip) {
			http.Error(w, "Too many connections", http.StatusTooManyRequests)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	id := atomic.AddUint64(&s.clientSeq, 1)
	session := &wsSession{id: id, conn: conn, remoteAddr: ip, nr: s.nr}
	s.coord.Connected(session.remoteAddr)

	s.wg.Add(1)
	go s.handleClient(session)
}

func (s *WebSocketServer) handleClient(session *wsSession) {
	defer s.wg.Done()
	defer func() {
		session.Close()
		s.coord.Disconnected(session.remoteAddr)
		if s.nr != nil {
			s.nr.RecordMinerDisconnected(session.getAddress(), "")
		}
		util.Debugf("WebSocket client %d disconnected", session.id)
	}()

	authorized := false

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		_, message, err := session.conn.ReadMessage()
		if err != nil {
			return
		}

		var req wsRequest
		if err := json.Unmarshal(message, &req); err != nil {
			s.sendError(session, nil, -32700, "Parse error")
			continue
		}
		s.handleRequest(session, &req, session.remoteAddr, &authorized)
	}
}

func (s *WebSocketServer) handleRequest(session *wsSession, req *wsRequest, ip string, authorized *bool) {
	switch req.Method {
	case "mining.authorize", "authorize":
		s.handleAuthorize(session, req, ip, authorized)
	case "mining.submit", "submit":
		s.handleSubmit(session, req, *authorized)
	case "mining.subscribe", "subscribe":
		s.sendResult(session, req.ID, true)
	default:
		s.sendError(session, req.ID, -32601, "Method not found")
	}
}

func (s *WebSocketServer) handleAuthorize(session *wsSession, req *wsRequest, ip string, authorized *bool) {
	if len(req.Params) < 1 {
		s.sendError(session, req.ID, -1, "Invalid params")
		return
	}
	username, ok := req.Params[0].(string)
	if !ok {
		s.sendError(session, req.ID, -1, "Invalid username")
		return
	}

	address, worker := parseWorkerID(username)
	if !util.ValidateAddress(address) {
		s.sendError(session, req.ID, -1, "Invalid address")
		return
	}
	if s.policy != nil && !s.policy.ApplyLoginPolicy(address, ip) {
		s.sendError(session, req.ID, -1, "Address blacklisted")
		return
	}

	*authorized = true
	session.setAddress(address)
	s.coord.Authenticated(session.remoteAddr, address, worker, session)
	if s.nr != nil {
		s.nr.RecordMinerConnected(address, worker, ip)
	}
	s.sendResult(session, req.ID, true)
}

func (s *WebSocketServer) handleSubmit(session *wsSession, req *wsRequest, authorized bool) {
	if !authorized {
		s.sendError(session, req.ID, coordinator.ErrUnknownProver, "Unauthorized")
		return
	}
	if len(req.Params) < 3 {
		s.sendError(session, req.ID, -1, "Invalid params")
		return
	}

	jobIDHex, _ := req.Params[0].(string)
	nonceHex, _ := req.Params[1].(string)
	proofHex, _ := req.Params[2].(string)

	height, err := jobIDToHeight(jobIDHex)
	if err != nil {
		s.sendError(session, req.ID, coordinator.ErrNoBlockTemplate, "Invalid job id")
		return
	}

	s.coord.Submit(req.ID, session.remoteAddr, height, nonceHex, proofHex)
}

func (s *WebSocketServer) sendResult(session *wsSession, id interface{}, result interface{}) {
	if err := session.Send(map[string]interface{}{"id": id, "result": result, "error": nil}); err != nil {
		util.Debugf("WebSocket client %d: send result failed: %v", session.id, err)
	}
}

func (s *WebSocketServer) sendError(session *wsSession, id interface{}, code int, message string) {
	if err := session.Send(map[string]interface{}{"id": id, "result": nil, "error": []interface{}{code, message, nil}}); err != nil {
		util.Debugf("WebSocket client %d: send error failed: %v", session.id, err)
	}
}
