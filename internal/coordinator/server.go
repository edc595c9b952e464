// Package coordinator is the central coordination engine of the mining
// pool: a single-consumer message loop that owns all connection and prover
// state, runs the share-validation pipeline, and drives per-prover and
// pool-wide vardiff.
package coordinator

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tos-network/tos-pool/internal/posw"
	"github.com/tos-network/tos-pool/internal/util"
)

// DefaultQueueDepth bounds the coordinator's inbound message queue when a
// Server is built without an explicit override.
const DefaultQueueDepth = 1024

// Options configures the tunable parameters the core otherwise treats as
// compile-time constants; a zero value of every field falls back to the
// documented default.
type Options struct {
	QueueDepth          int
	VardiffCoefficient  float64
	PoolModifierDivisor float64
	NoncePurgePeriod    time.Duration
}

// Accounting is the sibling actor that persists share and block credits.
// Implemented in this repository by internal/storage's Redis client.
type Accounting interface {
	SetN(n uint64) error
	NewShare(address string, difficulty uint64) error
	NewBlock(height uint64, blockHash string, reward uint64) error
}

// Operator is the sibling actor that talks to the blockchain node and
// receives solved blocks. Implemented in this repository by internal/rpc.
type Operator interface {
	PoolBlock(nonceHex, proofHex string) error
}

// Server is the coordinator. It owns every shared map described by the
// data model and is the only component that mutates them.
type Server struct {
	inbound chan inbound

	connectedMu sync.Mutex
	connected   map[string]struct{}

	authMu    sync.RWMutex
	authSend  map[string]Sender

	proverMu sync.RWMutex
	provers  map[string]*ProverState

	addrMu   sync.RWMutex
	addrConn map[string]map[string]struct{}

	latestHeight uint32 // atomic

	templateMu sync.RWMutex
	template   *Template

	pool  *PoolState
	nonce *NonceSet

	vardiffCoefficient float64

	accounting Accounting
	operator   Operator

	wg sync.WaitGroup
}

// NewServer builds a Server wired to its sibling actors, applying opts on
// top of the documented defaults.
func NewServer(accounting Accounting, operator Operator, opts Options) *Server {
	queueDepth := opts.QueueDepth
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Server{
		inbound:            make(chan inbound, queueDepth),
		connected:          make(map[string]struct{}),
		authSend:           make(map[string]Sender),
		provers:            make(map[string]*ProverState),
		addrConn:           make(map[string]map[string]struct{}),
		pool:               NewPoolState(opts.PoolModifierDivisor),
		nonce:              NewNonceSet(opts.NoncePurgePeriod),
		vardiffCoefficient: opts.VardiffCoefficient,
		accounting:         accounting,
		operator:           operator,
	}
}

// Run drives the inbound queue until ctx is cancelled. It also starts the
// nonce-clear ticker. The inbound loop is infallible: handler panics are
// recovered and logged as invariant violations rather than crashing the
// process.
func (s *Server) Run(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.nonce.RunPurgeLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.wg.Wait()
			return
		case msg := <-s.inbound:
			if _, ok := msg.(msgExit); ok {
				s.drain()
				s.wg.Wait()
				return
			}
			s.wg.Add(1)
			go func(m inbound) {
				defer s.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						util.Errorf("coordinator: handler panic recovered: %v", r)
					}
				}()
				s.dispatch(m)
			}(msg)
		}
	}
}

// drain closes every authenticated prover's outbound sender so in-flight
// reads on the adapter side fail fast instead of blocking on shutdown.
func (s *Server) drain() {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	for _, sender := range s.authSend {
		sender.Close()
	}
}

func (s *Server) dispatch(msg inbound) {
	switch m := msg.(type) {
	case msgProverConnected:
		s.handleConnected(m)
	case msgProverAuthenticated:
		s.handleAuthenticated(m)
	case msgProverDisconnected:
		s.handleDisconnected(m)
	case msgNewBlockTemplate:
		s.handleNewBlockTemplate(m)
	case msgProverSubmit:
		s.handleSubmit(m)
	case msgExit:
		// handled in Run before dispatch
	default:
		util.Errorf("coordinator: unknown message type %T", msg)
	}
}

// Connected enqueues a ProverConnected event.
func (s *Server) Connected(peerAddr string) {
	s.inbound <- msgProverConnected{peerAddr: peerAddr}
}

// Authenticated enqueues a ProverAuthenticated event. worker is the
// optional suffix parsed from a Stratum "address.worker_name" username;
// callers pass "" when the connection carried none.
func (s *Server) Authenticated(peerAddr, address, worker string, sender Sender) {
	s.inbound <- msgProverAuthenticated{peerAddr: peerAddr, address: address, worker: worker, sender: sender}
}

// Disconnected enqueues a ProverDisconnected event.
func (s *Server) Disconnected(peerAddr string) {
	s.inbound <- msgProverDisconnected{peerAddr: peerAddr}
}

// PushTemplate enqueues a NewBlockTemplate event.
func (s *Server) PushTemplate(t *Template) {
	s.inbound <- msgNewBlockTemplate{template: t}
}

// Submit enqueues a ProverSubmit event.
func (s *Server) Submit(requestID interface{}, peerAddr string, blockHeight uint64, nonceHex, proofHex string) {
	s.inbound <- msgProverSubmit{
		requestID:   requestID,
		peerAddr:    peerAddr,
		blockHeight: blockHeight,
		nonceHex:    nonceHex,
		proofHex:    proofHex,
	}
}

// Exit requests a graceful shutdown of the message loop.
func (s *Server) Exit() {
	s.inbound <- msgExit{}
}

func (s *Server) handleConnected(m msgProverConnected) {
	s.connectedMu.Lock()
	s.connected[m.peerAddr] = struct{}{}
	s.connectedMu.Unlock()
}

func (s *Server) handleAuthenticated(m msgProverAuthenticated) {
	s.authMu.Lock()
	s.authSend[m.peerAddr] = m.sender
	s.authMu.Unlock()

	prover := NewProverState(m.peerAddr, m.address, s.vardiffCoefficient)
	if m.worker != "" {
		prover.SetWorker(m.worker)
	}
	s.proverMu.Lock()
	s.provers[m.peerAddr] = prover
	s.proverMu.Unlock()

	s.addrMu.Lock()
	set, ok := s.addrConn[m.address]
	if !ok {
		set = make(map[string]struct{})
		s.addrConn[m.address] = set
	}
	set[m.peerAddr] = struct{}{}
	s.addrMu.Unlock()

	if err := m.sender.Send(SetTarget{Target: util.MaxU64}); err != nil {
		util.Warnf("coordinator: send SetTarget to %s failed: %v", m.peerAddr, err)
	}

	s.templateMu.RLock()
	tmpl := s.template
	s.templateMu.RUnlock()
	if tmpl != nil {
		if err := m.sender.Send(notifyFor(tmpl)); err != nil {
			util.Warnf("coordinator: send Notify to %s failed: %v", m.peerAddr, err)
		}
	}
}

func (s *Server) handleDisconnected(m msgProverDisconnected) {
	s.proverMu.Lock()
	prover, ok := s.provers[m.peerAddr]
	if ok {
		delete(s.provers, m.peerAddr)
	}
	s.proverMu.Unlock()

	if ok {
		speeds := prover.Speed()
		util.Infof("coordinator: prover %s disconnected, speed(5m/15m/30m/1h)=%v", prover.String(), speeds)

		address := prover.Address()
		s.addrMu.Lock()
		if set, exists := s.addrConn[address]; exists {
			delete(set, m.peerAddr)
			if len(set) == 0 {
				delete(s.addrConn, address)
			}
		}
		s.addrMu.Unlock()
	}

	s.authMu.Lock()
	delete(s.authSend, m.peerAddr)
	s.authMu.Unlock()

	s.connectedMu.Lock()
	delete(s.connected, m.peerAddr)
	s.connectedMu.Unlock()
}

func (s *Server) handleNewBlockTemplate(m msgNewBlockTemplate) {
	t := m.template
	atomic.StoreUint32(&s.latestHeight, uint32(t.Height))

	s.templateMu.Lock()
	s.template = t
	s.templateMu.Unlock()

	if t.DifficultyTarget > 0 {
		n := util.MaxU64 / t.DifficultyTarget * 5
		if err := s.accounting.SetN(n); err != nil {
			util.Errorf("coordinator: accounting.SetN failed: %v", err)
		}
	}

	g := s.pool.NextGlobalDifficultyModifier()
	notify := notifyFor(t)

	s.authMu.RLock()
	snapshot := make(map[string]Sender, len(s.authSend))
	for peer, sender := range s.authSend {
		snapshot[peer] = sender
	}
	s.authMu.RUnlock()

	for peer, sender := range snapshot {
		s.proverMu.RLock()
		prover, ok := s.provers[peer]
		s.proverMu.RUnlock()
		if !ok {
			continue
		}

		current := prover.CurrentDifficulty()
		promoted := prover.NextDifficulty()
		next := util.RoundDifficulty(float64(promoted) * g)

		if next != current {
			if err := sender.Send(SetTarget{Target: util.TargetForDifficulty(next)}); err != nil {
				util.Warnf("coordinator: send SetTarget to %s failed: %v", peer, err)
			}
		}
		if err := sender.Send(notify); err != nil {
			util.Warnf("coordinator: send Notify to %s failed: %v", peer, err)
		}
	}
}

func (s *Server) reject(sender Sender, requestID interface{}, code int, message string) {
	if err := sender.Send(Response{ID: requestID, Err: &StratumError{Code: code, Message: message}}); err != nil {
		util.Warnf("coordinator: send rejection response failed: %v", err)
	}
}

func (s *Server) handleSubmit(m msgProverSubmit) {
	s.authMu.RLock()
	sender, ok := s.authSend[m.peerAddr]
	s.authMu.RUnlock()
	if !ok {
		// Sender missing: the prover is already gone, drop silently.
		return
	}

	s.proverMu.RLock()
	prover, ok := s.provers[m.peerAddr]
	s.proverMu.RUnlock()
	if !ok {
		s.reject(sender, m.requestID, ErrUnknownProver, "Unknown prover")
		return
	}

	s.templateMu.RLock()
	tmpl := s.template
	s.templateMu.RUnlock()
	if tmpl == nil {
		s.reject(sender, m.requestID, ErrNoBlockTemplate, "No block template")
		return
	}

	if m.blockHeight != uint64(atomic.LoadUint32(&s.latestHeight)) {
		s.reject(sender, m.requestID, ErrNoBlockTemplate, "Stale proof")
		return
	}

	if s.nonce.Seen(m.nonceHex) {
		s.reject(sender, m.requestID, ErrDuplicateNonce, "Duplicate nonce")
		return
	}

	proof, err := posw.DecodeProof(m.proofHex)
	if err != nil {
		s.reject(sender, m.requestID, ErrDifficultyTargetNot, "No difficulty")
		return
	}
	proofDifficulty, err := proof.ToProofDifficulty()
	if err != nil {
		s.reject(sender, m.requestID, ErrDifficultyTargetNot, "No difficulty")
		return
	}

	// Sampled once, before re-reading the prover's current difficulty: an
	// acceptable relaxation (see DESIGN.md open-question decision) that can
	// mismatch the modifier promoted by a concurrent NewBlockTemplate by at
	// most one block boundary.
	g := s.pool.CurrentGlobalDifficultyModifier()
	shareDifficulty := util.RoundDifficulty(float64(prover.CurrentDifficulty()) * g)
	shareTarget := util.TargetForDifficulty(shareDifficulty)

	if proofDifficulty > shareTarget {
		s.reject(sender, m.requestID, ErrDifficultyTargetNot, "Difficulty target not met")
		return
	}

	nonceBytes, err := hex.DecodeString(m.nonceHex)
	if err != nil {
		s.reject(sender, m.requestID, ErrInvalidProof, "Invalid proof")
		return
	}
	headerRoot := tmpl.HeaderTree.Root[:]
	if !posw.Verify(m.blockHeight, shareTarget, headerRoot, nonceBytes, proof) {
		s.reject(sender, m.requestID, ErrInvalidProof, "Invalid proof")
		return
	}

	prover.AddShare(shareDifficulty)
	s.pool.AddShare(shareDifficulty)
	if err := s.accounting.NewShare(prover.Address(), shareDifficulty); err != nil {
		util.Errorf("coordinator: accounting.NewShare failed: %v", err)
	}
	if err := sender.Send(Response{ID: m.requestID, Accepted: true}); err != nil {
		util.Warnf("coordinator: send accept response failed: %v", err)
	}

	if proofDifficulty <= tmpl.DifficultyTarget {
		if err := s.operator.PoolBlock(m.nonceHex, m.proofHex); err != nil {
			util.Errorf("coordinator: operator.PoolBlock failed: %v", err)
		}
		blockHash := posw.CRH(tmpl.PreviousBlockHash, headerRoot)
		if err := s.accounting.NewBlock(m.blockHeight, hex.EncodeToString(blockHash[:]), tmpl.Reward); err != nil {
			util.Errorf("coordinator: accounting.NewBlock failed: %v", err)
		}
	}
}

// Query operations, used by the metrics HTTP API.

// OnlineProvers returns the number of authenticated peer connections.
func (s *Server) OnlineProvers() uint32 {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return uint32(len(s.authSend))
}

// OnlineAddresses returns the number of distinct public addresses with at
// least one authenticated connection.
func (s *Server) OnlineAddresses() uint32 {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return uint32(len(s.addrConn))
}

// PoolSpeed returns the pool's 5m/15m/30m/1h speed.
func (s *Server) PoolSpeed() [4]float64 {
	return s.pool.Speed()
}

// AddressProverCount returns how many peer connections are authenticated
// under addr.
func (s *Server) AddressProverCount(addr string) uint32 {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return uint32(len(s.addrConn[addr]))
}

// AddressSpeed sums component speeds across every peer authenticated under
// addr; a missing address returns zeros.
func (s *Server) AddressSpeed(addr string) [4]float64 {
	s.addrMu.RLock()
	peers := make([]string, 0, len(s.addrConn[addr]))
	for peer := range s.addrConn[addr] {
		peers = append(peers, peer)
	}
	s.addrMu.RUnlock()

	var total [4]float64
	for _, peer := range peers {
		s.proverMu.RLock()
		prover, ok := s.provers[peer]
		s.proverMu.RUnlock()
		if !ok {
			continue
		}
		speed := prover.Speed()
		for i := range total {
			total[i] += speed[i]
		}
	}
	return total
}
