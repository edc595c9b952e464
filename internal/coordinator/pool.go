package coordinator

import (
	"sync"
	"time"

	"github.com/tos-network/tos-pool/internal/speedometer"
	"github.com/tos-network/tos-pool/internal/util"
)

// DefaultPoolModifierDivisor is the divisor applied to the pool's
// 1-minute share-rate estimate to produce the next global difficulty
// modifier, used when a Server is built without an explicit override.
const DefaultPoolModifierDivisor = 10.0

var poolSpeedWindows = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
}

// PoolState mirrors ProverState at pool scope: one instance for the
// process lifetime, guarded by its own mutex per the map-level lock tier.
type PoolState struct {
	mu sync.RWMutex

	modifierDivisor float64
	speeds          *speedometer.Set

	currentModifier float64
	nextModifier    float64
}

// NewPoolState initializes all five speedometers and floors both
// modifiers at 1.0. divisor overrides DefaultPoolModifierDivisor.
func NewPoolState(divisor float64) *PoolState {
	if divisor <= 0 {
		divisor = DefaultPoolModifierDivisor
	}
	return &PoolState{
		modifierDivisor: divisor,
		speeds:          speedometer.NewSet(poolSpeedWindows, time.Second),
		currentModifier: 1.0,
		nextModifier:    1.0,
	}
}

// AddShare feeds value into all five speedometers and recomputes
// next_global_difficulty_modifier = max(1.0, speed_1m / divisor).
func (p *PoolState) AddShare(value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speeds.Event(value)
	speed1m := p.speeds.Speed("1m")
	p.nextModifier = util.RoundModifier(speed1m / p.modifierDivisor)
}

// NextGlobalDifficultyModifier promotes current := next and returns it.
func (p *PoolState) NextGlobalDifficultyModifier() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentModifier = p.nextModifier
	return p.currentModifier
}

// CurrentGlobalDifficultyModifier returns the modifier in effect for
// share validation right now.
func (p *PoolState) CurrentGlobalDifficultyModifier() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentModifier
}

// Speed returns the 5m/15m/30m/1h aggregate speeds.
func (p *PoolState) Speed() [4]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return [4]float64{
		p.speeds.Speed("5m"),
		p.speeds.Speed("15m"),
		p.speeds.Speed("30m"),
		p.speeds.Speed("1h"),
	}
}
