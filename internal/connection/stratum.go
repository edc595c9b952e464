// Package connection implements the Stratum and WebSocket transport
// adapters the coordinator depends on through its Connected/Authenticated/
// Disconnected/Submit entry points. Framing, handshake, and abuse policy
// live here; all mining state lives in internal/coordinator.
package connection

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-pool/internal/config"
	"github.com/tos-network/tos-pool/internal/coordinator"
	"github.com/tos-network/tos-pool/internal/newrelic"
	"github.com/tos-network/tos-pool/internal/policy"
	"github.com/tos-network/tos-pool/internal/util"
)

// Security constants bounding a single line of Stratum input.
const (
	MaxRequestSize   = 1024
	MaxRequestBuffer = MaxRequestSize + 64
)

// StratumServer accepts TCP (and optionally TLS) connections speaking
// line-delimited JSON-RPC Stratum, and forwards every lifecycle and
// submission event to a coordinator.Server.
type StratumServer struct {
	cfg         *config.Config
	coord       *coordinator.Server
	policy      *policy.PolicyServer
	nr          *newrelic.Agent
	listener    net.Listener
	tlsListener net.Listener

	sessions   sync.Map // peerAddr -> *stratumSession
	sessionSeq uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

// stratumRequest is a JSON-RPC request from a prover.
type stratumRequest struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// stratumSession is a single authenticated-or-not prover TCP connection.
// It implements coordinator.Sender so the coordinator can push SetTarget/
// Notify/Response messages straight to the wire.
type stratumSession struct {
	id         uint64
	conn       net.Conn
	remoteAddr string
	nr         *newrelic.Agent

	writeMu sync.Mutex
	closed  atomic.Bool

	addrMu  sync.RWMutex
	address string
}

func (s *stratumSession) setAddress(address string) {
	s.addrMu.Lock()
	s.address = address
	s.addrMu.Unlock()
}

func (s *stratumSession) getAddress() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.address
}

func (s *stratumSession) Send(msg interface{}) error {
	if resp, ok := msg.(coordinator.Response); ok && s.nr != nil {
		s.nr.RecordShareSubmission(s.getAddress(), "", 0, resp.Err == nil)
	}

	data, err := json.Marshal(wireMessage(msg))
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return fmt.Errorf("connection: session %d closed", s.id)
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = s.conn.Write(append(data, '\n'))
	return err
}

func (s *stratumSession) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}

// wireMessage adapts the coordinator's outbound message types to the
// Stratum JSON-RPC notification/response shapes.
func wireMessage(msg interface{}) interface{} {
	switch m := msg.(type) {
	case coordinator.SetTarget:
		return map[string]interface{}{
			"id":     nil,
			"method": "mining.set_target",
			"params": []interface{}{fmt.Sprintf("%016x", m.Target)},
		}
	case coordinator.Notify:
		return map[string]interface{}{
			"id":     nil,
			"method": "mining.notify",
			"params": []interface{}{m.JobID, m.HeaderRoot, m.Leaves[0], m.Leaves[1], m.Leaves[2], m.Leaves[3], m.CleanJobs},
		}
	case coordinator.Response:
		resp := map[string]interface{}{"id": m.ID}
		if m.Err != nil {
			resp["result"] = nil
			resp["error"] = []interface{}{m.Err.Code, m.Err.Message, nil}
		} else {
			resp["result"] = m.Accepted
		}
		return resp
	default:
		return msg
	}
}

// NewStratumServer creates a new Stratum connection adapter.
func NewStratumServer(cfg *config.Config, coord *coordinator.Server, policyServer *policy.PolicyServer) *StratumServer {
	return &StratumServer{
		cfg:    cfg,
		coord:  coord,
		policy: policyServer,
		quit:   make(chan struct{}),
	}
}

// SetNewRelicAgent attaches an APM agent so connection and share-submission
// events are reported as custom New Relic events. A nil or disabled agent
// is safe to pass; RecordMinerConnected/Disconnected/RecordShareSubmission
// no-op when the agent isn't enabled.
func (s *StratumServer) SetNewRelicAgent(agent *newrelic.Agent) {
	s.nr = agent
}

// Start begins listening for connections.
func (s *StratumServer) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Connection.StratumBind)
	if err != nil {
		return fmt.Errorf("failed to bind stratum server: %w", err)
	}
	s.listener = listener
	util.Infof("Stratum server listening on %s", s.cfg.Connection.StratumBind)

	if s.cfg.Connection.TLSCert != "" && s.cfg.Connection.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.Connection.TLSCert, s.cfg.Connection.TLSKey)
		if err != nil {
			util.Warnf("Failed to load TLS cert/key: %v", err)
		} else {
			tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
			tlsListener, err := tls.Listen("tcp", s.cfg.Connection.StratumTLSBind, tlsConfig)
			if err != nil {
				util.Warnf("Failed to bind TLS stratum server: %v", err)
			} else {
				s.tlsListener = tlsListener
				util.Infof("Stratum TLS server listening on %s", s.cfg.Connection.StratumTLSBind)
			}
		}
	}

	s.wg.Add(1)
	go s.acceptLoop(s.listener)

	if s.tlsListener != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.tlsListener)
	}

	return nil
}

// Stop shuts down the server and every open session.
func (s *StratumServer) Stop() {
	close(s.quit)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.tlsListener != nil {
		s.tlsListener.Close()
	}

	s.sessions.Range(func(_, value interface{}) bool {
		value.(*stratumSession).Close()
		return true
	})

	s.wg.Wait()
	util.Info("Stratum server stopped")
}

func (s *StratumServer) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				util.Warnf("Accept error: %v", err)
				continue
			}
		}

		ip := extractIP(conn.RemoteAddr().String())
		if s.policy != nil {
			if s.policy.IsBanned(ip) {
				util.Debugf("Rejected banned IP: %s", ip)
				conn.Close()
				continue
			}
			if !s.policy.ApplyConnectionLimit(ip) {
				util.Debugf("Connection limit exceeded for IP: %s", ip)
				conn.Close()
				continue
			}
		}

		id := atomic.AddUint64(&s.sessionSeq, 1)
		session := &stratumSession{id: id, conn: conn, remoteAddr: conn.RemoteAddr().String(), nr: s.nr}
		s.sessions.Store(session.remoteAddr, session)
		s.coord.Connected(session.remoteAddr)

		s.wg.Add(1)
		go s.handleSession(session)
	}
}

func (s *StratumServer) handleSession(session *stratumSession) {
	defer s.wg.Done()
	defer func() {
		session.Close()
		s.sessions.Delete(session.remoteAddr)
		s.coord.Disconnected(session.remoteAddr)
		if s.nr != nil {
			s.nr.RecordMinerDisconnected(session.getAddress(), "")
		}
		util.Debugf("Session %d disconnected: %s", session.id, session.remoteAddr)
	}()

	ip := extractIP(session.remoteAddr)
	session.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	reader := bufio.NewReaderSize(session.conn, MaxRequestBuffer)

	authorized := false

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		line, isPrefix, err := reader.ReadLine()
		if err != nil {
			return
		}

		if isPrefix {
			util.Warnf("Session %d (%s): request too large (flood detected)", session.id, ip)
			if s.policy != nil {
				s.policy.BanIP(ip)
			}
			return
		}
		if len(line) > MaxRequestSize {
			util.Warnf("Session %d (%s): request exceeds max size (%d > %d)", session.id, ip, len(line), MaxRequestSize)
			if s.policy != nil && !s.policy.ApplyMalformedPolicy(ip) {
				return
			}
			s.sendError(session, nil, -32600, "Request too large")
			continue
		}

		session.conn.SetReadDeadline(time.Now().Add(5 * time.Minute))

		var req stratumRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if s.policy != nil && !s.policy.ApplyMalformedPolicy(ip) {
				util.Warnf("Session %d (%s): banned for malformed requests", session.id, ip)
				return
			}
			s.sendError(session, nil, -32700, "Parse error")
			continue
		}

		s.handleRequest(session, &req, ip, &authorized)
	}
}

func (s *StratumServer) handleRequest(session *stratumSession, req *stratumRequest, ip string, authorized *bool) {
	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(session, req)
	case "mining.authorize":
		s.handleAuthorize(session, req, ip, authorized)
	case "mining.submit":
		s.handleSubmit(session, req, ip, *authorized)
	case "mining.extranonce.subscribe":
		s.sendResult(session, req.ID, true)
	default:
		s.sendError(session, req.ID, -32601, "Method not found")
	}
}

func (s *StratumServer) handleSubscribe(session *stratumSession, req *stratumRequest) {
	result := []interface{}{
		[][]string{
			{"mining.notify", fmt.Sprintf("%d", session.id)},
			{"mining.set_target", fmt.Sprintf("%d", session.id)},
		},
		fmt.Sprintf("%08x", session.id),
		4,
	}
	s.sendResult(session, req.ID, result)
}

func (s *StratumServer) handleAuthorize(session *stratumSession, req *stratumRequest, ip string, authorized *bool) {
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
		util.Warnf("Session %d (%s): blacklisted address %s", session.id, ip, address)
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

func (s *StratumServer) handleSubmit(session *stratumSession, req *stratumRequest, ip string, authorized bool) {
	if !authorized {
		s.sendError(session, req.ID, coordinator.ErrUnknownProver, "Unauthorized")
		return
	}
	if len(req.Params) < 4 {
		s.sendError(session, req.ID, -1, "Invalid params")
		if s.policy != nil && !s.policy.ApplySharePolicy(ip, false) {
			session.Close()
		}
		return
	}

	jobIDHex, _ := req.Params[1].(string)
	var nonceHex, proofHex string
	if len(req.Params) >= 5 {
		nonceHex, _ = req.Params[3].(string)
		proofHex, _ = req.Params[4].(string)
	} else {
		nonceHex, _ = req.Params[2].(string)
		proofHex, _ = req.Params[3].(string)
	}

	height, err := jobIDToHeight(jobIDHex)
	if err != nil {
		s.sendError(session, req.ID, coordinator.ErrNoBlockTemplate, "Invalid job id")
		return
	}

	s.coord.Submit(req.ID, session.remoteAddr, height, nonceHex, proofHex)
}

// sendResult and sendError answer handshake-level requests (subscribe,
// authorize, pre-coordinator validation) directly; they never go through
// the coordinator, so they bypass its Response type and write a plain
// JSON-RPC object.
func (s *StratumServer) sendResult(session *stratumSession, id interface{}, result interface{}) {
	if err := session.Send(map[string]interface{}{"id": id, "result": result, "error": nil}); err != nil {
		util.Debugf("Session %d: send result failed: %v", session.id, err)
	}
}

func (s *StratumServer) sendError(session *stratumSession, id interface{}, code int, message string) {
	if err := session.Send(map[string]interface{}{"id": id, "result": nil, "error": []interface{}{code, message, nil}}); err != nil {
		util.Debugf("Session %d: send error failed: %v", session.id, err)
	}
}

// parseWorkerID parses "address.worker" format.
func parseWorkerID(username string) (address, worker string) {
	for i, c := range username {
		if c == '.' {
			return username[:i], username[i+1:]
		}
	}
	return username, "default"
}

// jobIDToHeight is the inverse of the coordinator's job id encoding: hex
// of the 4-byte little-endian block height.
func jobIDToHeight(jobID string) (uint64, error) {
	raw, err := util.HexToBytes(jobID)
	if err != nil || len(raw) != 4 {
		return 0, fmt.Errorf("connection: invalid job id %q", jobID)
	}
	var h uint32
	for i := 3; i >= 0; i-- {
		h = h<<8 | uint32(raw[i])
	}
	return uint64(h), nil
}

// extractIP extracts the IP address from a remote address string (ip:port).
func extractIP(remoteAddr string) string {
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		ip := remoteAddr[:idx]
		ip = strings.TrimPrefix(ip, "[")
		ip = strings.TrimSuffix(ip, "]")
		return ip
	}
	return remoteAddr
}
