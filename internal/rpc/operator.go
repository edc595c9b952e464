package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tos-network/tos-pool/internal/coordinator"
	"github.com/tos-network/tos-pool/internal/util"
)

// Operator implements coordinator.Operator against the chain node's RPC
// surface, failing over across configured upstreams, and drives the
// block-template polling loop that keeps the coordinator's cached
// Template current.
type Operator struct {
	upstreams *UpstreamManager
	pollEvery time.Duration

	mu           sync.Mutex
	lastHeight   uint64
	lastTemplate string
}

// NewOperator wraps an UpstreamManager. pollEvery is the block-template
// poll interval; callers should source it from MiningConfig.BlockTemplatePoll.
func NewOperator(upstreams *UpstreamManager, pollEvery time.Duration) *Operator {
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}
	return &Operator{upstreams: upstreams, pollEvery: pollEvery}
}

// PoolBlock submits a winning proof to the chain node. The coordinator
// calls this once per accepted block-level share; the node itself
// re-derives validity from the nonce and proof against its own view of
// the current template.
func (o *Operator) PoolBlock(nonceHex, proofHex string) error {
	o.mu.Lock()
	template := o.lastTemplate
	o.mu.Unlock()
	if template == "" {
		return fmt.Errorf("operator: no cached block template to submit against")
	}
	minerWork := nonceHex + ":" + proofHex

	return o.upstreams.CallWithFailover(func(c *TOSClient) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ok, err := c.SubmitBlock(ctx, template, minerWork)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("node rejected submitted block")
		}
		return nil
	})
}

// Run polls the active upstream for a new block template on an interval
// and pushes it into the coordinator whenever the height advances. It
// blocks until ctx is cancelled.
func (o *Operator) Run(ctx context.Context, coord *coordinator.Server) {
	ticker := time.NewTicker(o.pollEvery)
	defer ticker.Stop()

	o.pollOnce(ctx, coord)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollOnce(ctx, coord)
		}
	}
}

func (o *Operator) pollOnce(ctx context.Context, coord *coordinator.Server) {
	var bt *BlockTemplate
	err := o.upstreams.CallWithFailover(func(c *TOSClient) error {
		callCtx, cancel := context.WithTimeout(ctx, o.pollEvery)
		defer cancel()
		result, err := c.GetBlockTemplate(callCtx)
		if err != nil {
			return err
		}
		bt = result
		return nil
	})
	if err != nil {
		util.Warnf("operator: poll block template failed: %v", err)
		return
	}
	o.mu.Lock()
	unchanged := bt == nil || bt.Height == o.lastHeight
	o.mu.Unlock()
	if unchanged {
		return
	}

	prevHash, err := util.HexToBytes(bt.ParentHash)
	if err != nil {
		prevHash = []byte(bt.ParentHash)
	}
	leaves := [][]byte{[]byte(bt.HeaderHash)}

	tmpl, err := coordinator.NewTemplate(bt.Height, util.TargetForDifficulty(bt.Difficulty), prevHash, bt.Reward, leaves)
	if err != nil {
		util.Errorf("operator: build template for height %d failed: %v", bt.Height, err)
		return
	}

	o.mu.Lock()
	o.lastHeight = bt.Height
	o.lastTemplate = bt.HeaderHash
	o.mu.Unlock()
	coord.PushTemplate(tmpl)
}
