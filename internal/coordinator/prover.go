package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/tos-pool/internal/speedometer"
	"github.com/tos-network/tos-pool/internal/util"
)

// DefaultVardiffCoefficient is the per-prover multiplier applied to the
// 2-minute share-rate estimate to produce the next difficulty, used when a
// Server is built without an explicit override.
const DefaultVardiffCoefficient = 20.0

// proverSpeedWindows names the five speedometers every ProverState keeps.
// "2m" drives vardiff; the rest are for reporting only.
var proverSpeedWindows = map[string]time.Duration{
	"2m":  2 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
}

// ProverState is the per-connection mining state for one authenticated
// peer. All mutation goes through its own mutex, which is the entry-level
// lock described by the coordinator's locking discipline: the fan-out loop
// takes a reference under the outer map's read lock, releases that lock,
// then calls into ProverState, which serializes internally.
type ProverState struct {
	mu sync.RWMutex

	peerAddr string
	address  string
	worker   string

	vardiffCoefficient float64
	speeds             *speedometer.Set

	currentDifficulty uint64
	nextDifficulty    uint64
}

// NewProverState initializes all five speedometers and floors both
// difficulties at 1. coefficient overrides DefaultVardiffCoefficient.
func NewProverState(peerAddr, address string, coefficient float64) *ProverState {
	if coefficient <= 0 {
		coefficient = DefaultVardiffCoefficient
	}
	return &ProverState{
		peerAddr:           peerAddr,
		address:            address,
		vardiffCoefficient: coefficient,
		speeds:             speedometer.NewSet(proverSpeedWindows, time.Second),
		currentDifficulty:  1,
		nextDifficulty:     1,
	}
}

// SetWorker records the worker-name suffix carried by Stratum Authorize
// (address.worker_name), kept for display only — it plays no role in
// accounting identity.
func (p *ProverState) SetWorker(worker string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.worker = worker
}

// AddShare feeds value into all five speedometers and recomputes
// next_difficulty = max(1, round(speed_2m * coefficient)), where the
// vardiff coefficient is 20 unless overridden.
func (p *ProverState) AddShare(value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speeds.Event(value)
	speed2m := p.speeds.Speed("2m")
	p.nextDifficulty = util.RoundDifficulty(speed2m * p.vardiffCoefficient)
}

// NextDifficulty promotes current := next and returns the promoted value.
func (p *ProverState) NextDifficulty() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentDifficulty = p.nextDifficulty
	return p.currentDifficulty
}

// CurrentDifficulty returns the difficulty the prover was last told about.
func (p *ProverState) CurrentDifficulty() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentDifficulty
}

// Address returns the claimed prover public address.
func (p *ProverState) Address() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

// Speed snapshots the 5m/15m/30m/1h speeds; the 2m window is internal to
// vardiff and not reported.
func (p *ProverState) Speed() [4]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return [4]float64{
		p.speeds.Speed("5m"),
		p.speeds.Speed("15m"),
		p.speeds.Speed("30m"),
		p.speeds.Speed("1h"),
	}
}

// String renders a display form used in logs.
func (p *ProverState) String() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.worker != "" {
		return fmt.Sprintf("%s.%s@%s", p.address, p.worker, p.peerAddr)
	}
	return fmt.Sprintf("%s@%s", p.address, p.peerAddr)
}
