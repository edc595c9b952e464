package coordinator

import (
	"encoding/hex"
	"sync"
	"testing"

	"github.com/tos-network/tos-pool/internal/posw"
	"github.com/tos-network/tos-pool/internal/util"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []interface{}
	closed bool
	fail   bool
}

func (f *fakeSender) Send(msg interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errSendFailed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) messages() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(f.sent))
	copy(out, f.sent)
	return out
}

var errSendFailed = &sendError{"send failed"}

type sendError struct{ msg string }

func (e *sendError) Error() string { return e.msg }

type fakeAccounting struct {
	mu     sync.Mutex
	n      uint64
	shares []fakeShare
	blocks []fakeBlock
}

type fakeShare struct {
	address    string
	difficulty uint64
}

type fakeBlock struct {
	height    uint64
	blockHash string
	reward    uint64
}

func (a *fakeAccounting) SetN(n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n = n
	return nil
}

func (a *fakeAccounting) NewShare(address string, difficulty uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shares = append(a.shares, fakeShare{address, difficulty})
	return nil
}

func (a *fakeAccounting) NewBlock(height uint64, blockHash string, reward uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks = append(a.blocks, fakeBlock{height, blockHash, reward})
	return nil
}

type fakeOperator struct {
	mu      sync.Mutex
	blocks  []string
}

func (o *fakeOperator) PoolBlock(nonceHex, proofHex string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.blocks = append(o.blocks, nonceHex+":"+proofHex)
	return nil
}

func newTestServer() (*Server, *fakeAccounting, *fakeOperator) {
	acc := &fakeAccounting{}
	op := &fakeOperator{}
	return NewServer(acc, op, Options{}), acc, op
}

// buildTemplate constructs a template with a single leaf at the given
// height and network difficulty target, for use across tests.
func buildTemplate(t *testing.T, height, difficultyTarget uint64) *Template {
	t.Helper()
	tmpl, err := NewTemplate(height, difficultyTarget, []byte("prevhash"), 5000, [][]byte{[]byte("leaf0")})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	return tmpl
}

func provingNonceAndProof(t *testing.T, height, shareTarget uint64, headerRoot []byte) (nonceHex, proofHex string) {
	t.Helper()
	nonce := []byte("nonce-a")
	commitment := posw.Hash(beUint64(height), beUint64(shareTarget), headerRoot, nonce)
	proof := posw.Proof{Difficulty: shareTarget, Commitment: commitment}
	return hex.EncodeToString(nonce), posw.EncodeProof(proof)
}

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func TestColdAuthenticateNoTemplate(t *testing.T) {
	s, _, _ := newTestServer()
	sender := &fakeSender{}
	s.handleAuthenticated(msgProverAuthenticated{peerAddr: "1.2.3.4:5000", address: "A", sender: sender})

	if s.OnlineProvers() != 1 {
		t.Fatalf("expected 1 online prover, got %d", s.OnlineProvers())
	}
	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message (SetTarget), got %d", len(msgs))
	}
	st, ok := msgs[0].(SetTarget)
	if !ok || st.Target != util.MaxU64 {
		t.Fatalf("expected SetTarget(MaxU64), got %#v", msgs[0])
	}
}

func TestHandleAuthenticatedSetsWorker(t *testing.T) {
	s, _, _ := newTestServer()
	sender := &fakeSender{}
	s.handleAuthenticated(msgProverAuthenticated{peerAddr: "peer", address: "A", worker: "rig1", sender: sender})

	s.proverMu.RLock()
	prover := s.provers["peer"]
	s.proverMu.RUnlock()
	if prover == nil {
		t.Fatal("expected prover to be registered")
	}
	if got := prover.String(); got != "A.rig1@peer" {
		t.Errorf("String() = %q, want %q", got, "A.rig1@peer")
	}
}

func TestAuthenticateAfterTemplateSendsNotify(t *testing.T) {
	s, _, _ := newTestServer()
	tmpl := buildTemplate(t, 10, 1000)
	s.handleNewBlockTemplate(msgNewBlockTemplate{template: tmpl})

	sender := &fakeSender{}
	s.handleAuthenticated(msgProverAuthenticated{peerAddr: "peer", address: "A", sender: sender})

	msgs := sender.messages()
	found := false
	for _, m := range msgs {
		if n, ok := m.(Notify); ok {
			found = true
			if n.JobID != "0a000000" {
				t.Fatalf("expected job id 0a000000, got %s", n.JobID)
			}
		}
	}
	if !found {
		t.Fatal("expected a Notify after authenticating with a cached template")
	}
}

func TestDisconnectRestoresMaps(t *testing.T) {
	s, _, _ := newTestServer()
	sender := &fakeSender{}
	s.handleAuthenticated(msgProverAuthenticated{peerAddr: "peer", address: "A", sender: sender})
	s.handleDisconnected(msgProverDisconnected{peerAddr: "peer"})

	if s.OnlineProvers() != 0 {
		t.Fatalf("expected 0 online provers after disconnect, got %d", s.OnlineProvers())
	}
	if s.OnlineAddresses() != 0 {
		t.Fatalf("expected 0 online addresses after disconnect, got %d", s.OnlineAddresses())
	}
	if sender.closed {
		t.Fatal("expected sender unaffected by disconnect handling (only Exit/drain close senders)")
	}
}

func TestAcceptedShare(t *testing.T) {
	s, acc, _ := newTestServer()
	tmpl := buildTemplate(t, 10, 1) // network target 1: essentially unreachable, so this won't be a block
	s.handleNewBlockTemplate(msgNewBlockTemplate{template: tmpl})

	sender := &fakeSender{}
	s.handleAuthenticated(msgProverAuthenticated{peerAddr: "peer", address: "A", sender: sender})

	prover := s.provers["peer"]
	// current_difficulty starts at 1; g defaults to 1.0 -> share_target = MaxU64/1.
	shareTarget := util.TargetForDifficulty(prover.CurrentDifficulty())
	headerRoot := tmpl.HeaderTree.Root[:]
	nonceHex, proofHex := provingNonceAndProof(t, 10, shareTarget, headerRoot)

	s.handleSubmit(msgProverSubmit{requestID: 1, peerAddr: "peer", blockHeight: 10, nonceHex: nonceHex, proofHex: proofHex})

	msgs := sender.messages()
	var resp Response
	gotResp := false
	for _, m := range msgs {
		if r, ok := m.(Response); ok {
			resp = r
			gotResp = true
		}
	}
	if !gotResp || !resp.Accepted {
		t.Fatalf("expected accepted response, got %#v (msgs=%v)", resp, msgs)
	}
	if len(acc.shares) != 1 || acc.shares[0].address != "A" {
		t.Fatalf("expected one NewShare(A, ...), got %v", acc.shares)
	}
}

func TestStaleShareRejected(t *testing.T) {
	s, _, _ := newTestServer()
	tmpl := buildTemplate(t, 10, 1000)
	s.handleNewBlockTemplate(msgNewBlockTemplate{template: tmpl})

	sender := &fakeSender{}
	s.handleAuthenticated(msgProverAuthenticated{peerAddr: "peer", address: "A", sender: sender})

	s.handleSubmit(msgProverSubmit{requestID: 1, peerAddr: "peer", blockHeight: 9, nonceHex: "aa", proofHex: "bb"})

	msgs := sender.messages()
	resp := lastResponse(t, msgs)
	if resp.Accepted || resp.Err == nil || resp.Err.Code != ErrNoBlockTemplate {
		t.Fatalf("expected stale proof rejection (code 21), got %#v", resp)
	}
}

func TestDuplicateNonceRejected(t *testing.T) {
	s, _, _ := newTestServer()
	tmpl := buildTemplate(t, 10, 1)
	s.handleNewBlockTemplate(msgNewBlockTemplate{template: tmpl})

	sender := &fakeSender{}
	s.handleAuthenticated(msgProverAuthenticated{peerAddr: "peer", address: "A", sender: sender})
	prover := s.provers["peer"]
	shareTarget := util.TargetForDifficulty(prover.CurrentDifficulty())
	headerRoot := tmpl.HeaderTree.Root[:]
	nonceHex, proofHex := provingNonceAndProof(t, 10, shareTarget, headerRoot)

	s.handleSubmit(msgProverSubmit{requestID: 1, peerAddr: "peer", blockHeight: 10, nonceHex: nonceHex, proofHex: proofHex})
	s.handleSubmit(msgProverSubmit{requestID: 2, peerAddr: "peer", blockHeight: 10, nonceHex: nonceHex, proofHex: proofHex})

	msgs := sender.messages()
	resp := lastResponse(t, msgs)
	if resp.Accepted || resp.Err == nil || resp.Err.Code != ErrDuplicateNonce {
		t.Fatalf("expected duplicate nonce rejection (code 22) on second submit, got %#v", resp)
	}
}

func TestBlockFoundNotifiesOperatorAndAccounting(t *testing.T) {
	s, acc, op := newTestServer()
	tmpl := buildTemplate(t, 10, util.MaxU64) // network target MaxU64: any proof qualifies as a block
	s.handleNewBlockTemplate(msgNewBlockTemplate{template: tmpl})

	sender := &fakeSender{}
	s.handleAuthenticated(msgProverAuthenticated{peerAddr: "peer", address: "A", sender: sender})
	prover := s.provers["peer"]
	shareTarget := util.TargetForDifficulty(prover.CurrentDifficulty())
	headerRoot := tmpl.HeaderTree.Root[:]
	nonceHex, proofHex := provingNonceAndProof(t, 10, shareTarget, headerRoot)

	s.handleSubmit(msgProverSubmit{requestID: 1, peerAddr: "peer", blockHeight: 10, nonceHex: nonceHex, proofHex: proofHex})

	if len(op.blocks) != 1 {
		t.Fatalf("expected operator.PoolBlock called once, got %d", len(op.blocks))
	}
	if len(acc.blocks) != 1 || acc.blocks[0].reward != 5000 {
		t.Fatalf("expected accounting.NewBlock with reward 5000, got %v", acc.blocks)
	}
}

func TestDisconnectMidSubmitStillCompletes(t *testing.T) {
	s, acc, _ := newTestServer()
	tmpl := buildTemplate(t, 10, 1)
	s.handleNewBlockTemplate(msgNewBlockTemplate{template: tmpl})

	sender := &fakeSender{}
	s.handleAuthenticated(msgProverAuthenticated{peerAddr: "peer", address: "A", sender: sender})
	prover := s.provers["peer"]
	shareTarget := util.TargetForDifficulty(prover.CurrentDifficulty())
	headerRoot := tmpl.HeaderTree.Root[:]
	nonceHex, proofHex := provingNonceAndProof(t, 10, shareTarget, headerRoot)

	s.handleDisconnected(msgProverDisconnected{peerAddr: "peer"})
	s.handleSubmit(msgProverSubmit{requestID: 1, peerAddr: "peer", blockHeight: 10, nonceHex: nonceHex, proofHex: proofHex})

	if len(acc.shares) != 0 {
		t.Fatalf("expected no share credited once the sender is gone, got %v", acc.shares)
	}
	if s.OnlineProvers() != 0 {
		t.Fatalf("expected maps to remain converged to disconnected state")
	}
}

func lastResponse(t *testing.T, msgs []interface{}) Response {
	t.Helper()
	for i := len(msgs) - 1; i >= 0; i-- {
		if r, ok := msgs[i].(Response); ok {
			return r
		}
	}
	t.Fatal("expected a Response message")
	return Response{}
}
