package coordinator

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/tos-network/tos-pool/internal/posw"
)

// Template is the coordinator's view of a BlockTemplate handed down by the
// Operator actor: block height, network difficulty target, the previous
// block's hash, the coinbase reward, and the header Merkle tree built over
// the template's leaves.
type Template struct {
	Height            uint64
	DifficultyTarget  uint64
	PreviousBlockHash []byte
	Reward            uint64
	HeaderTree        *posw.HeaderTree
}

// NewTemplate builds the header tree from raw leaves and assembles a
// Template. Leaves are whatever opaque commitments the Operator's daemon
// client extracts from the real block template (e.g. transaction roots);
// only their hashed form and the tree root ever reach the wire.
func NewTemplate(height, difficultyTarget uint64, previousBlockHash []byte, reward uint64, leaves [][]byte) (*Template, error) {
	tree, err := posw.BuildHeaderTree(leaves)
	if err != nil {
		return nil, err
	}
	return &Template{
		Height:            height,
		DifficultyTarget:  difficultyTarget,
		PreviousBlockHash: previousBlockHash,
		Reward:            reward,
		HeaderTree:        tree,
	}, nil
}

// jobID hex-encodes the block height as a 4-byte little-endian integer,
// the format Stratum job ids use in this protocol.
func jobID(height uint64) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(height))
	return hex.EncodeToString(buf[:])
}

// notifyFor builds the Notify payload for the current template: job id,
// header root, and the first four hashed leaves.
func notifyFor(t *Template) Notify {
	n := Notify{
		JobID:      jobID(t.Height),
		HeaderRoot: hex.EncodeToString(t.HeaderTree.Root[:]),
		CleanJobs:  true,
	}
	for i := 0; i < 4; i++ {
		n.Leaves[i] = t.HeaderTree.Leaf(i)
	}
	return n
}
