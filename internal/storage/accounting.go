package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPPLNSWindow = keyPrefix + "pplns:n"

// SetN stores the current PPLNS share-window size hint. The coordinator
// recomputes it on every new block template; writes are idempotent.
func (r *RedisClient) SetN(n uint64) error {
	return r.client.Set(r.ctx, keyPPLNSWindow, n, 0).Err()
}

// GetN returns the last PPLNS window size hint, or 0 if none was set.
func (r *RedisClient) GetN() (uint64, error) {
	v, err := r.client.Get(r.ctx, keyPPLNSWindow).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// NewShare credits an accepted share to an address's round total and
// records it in the pool-wide and per-address hashrate series.
func (r *RedisClient) NewShare(address string, difficulty uint64) error {
	return r.WriteShare(&Share{
		Address:    address,
		Difficulty: difficulty,
		Valid:      true,
	}, defaultHashrateWindow)
}

// defaultHashrateWindow bounds how long a per-address hashrate sample
// sorted-set entry survives; it is refreshed on every share.
const defaultHashrateWindow = time.Hour

// NewBlock archives the current round's shares against a found block and
// resets the round. No payout computation happens here: distributing the
// reward across the archived shares is an external, out-of-scope concern.
func (r *RedisClient) NewBlock(height uint64, blockHash string, reward uint64) error {
	now := time.Now().Unix()

	shares, err := r.client.HGetAll(r.ctx, keySharesRound).Result()
	if err != nil {
		return err
	}

	block := &Block{
		Height:    height,
		Hash:      blockHash,
		Reward:    reward,
		Timestamp: now,
		Status:    BlockStatusCandidate,
		Shares:    make(map[string]uint64, len(shares)),
	}
	var totalShares uint64
	for addr, count := range shares {
		c, _ := strconv.ParseUint(count, 10, 64)
		block.Shares[addr] = c
		totalShares += c
	}
	block.RoundShares = totalShares

	blockJSON, err := json.Marshal(block)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.ZAdd(r.ctx, keyBlocksCandidates, &redis.Z{
		Score:  float64(height),
		Member: string(blockJSON),
	})

	roundKey := fmt.Sprintf(keySharesRoundBlock, height, safeHashPrefix(blockHash))
	for addr, count := range shares {
		pipe.HSet(r.ctx, roundKey, addr, count)
	}
	pipe.Del(r.ctx, keySharesRound)

	pipe.HSet(r.ctx, keyStats, "lastBlockFound", now)
	pipe.HSet(r.ctx, keyStats, "lastBlockHeight", height)
	pipe.HIncrBy(r.ctx, keyStats, "blocksFound", 1)

	_, err = pipe.Exec(r.ctx)
	return err
}

// safeHashPrefix truncates a block hash for use as a Redis key component,
// tolerating hashes shorter than the usual 16-character prefix.
func safeHashPrefix(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:16]
}
