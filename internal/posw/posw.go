// Package posw provides the Merkle/CRH primitives and the PoSW (Proof of
// Succinct Work) verification surface the coordinator depends on. The real
// zero-knowledge verifier is out of scope for the coordination engine; this
// package supplies a deterministic, hash-based stand-in with the same
// interface shape, built on the same blake3 primitive the rest of the
// examples pack uses for header hashing.
package posw

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the digest size used throughout: Merkle leaves, the tree
// root, and CRH outputs are all 32 bytes.
const HashSize = 32

// Hash computes the blake3 digest of data.
func Hash(data ...[]byte) [HashSize]byte {
	h := blake3.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// CRH is the collision-resistant hash used to derive a block hash from
// previous_block_hash || header_root.
func CRH(previousBlockHash, headerRoot []byte) [HashSize]byte {
	return Hash(previousBlockHash, headerRoot)
}

// HeaderTree is the Merkle tree built over a block template's leaves. Only
// the root and the first four hashed leaves are ever projected onto the
// wire as a job.
type HeaderTree struct {
	Root         [HashSize]byte
	HashedLeaves [][HashSize]byte
}

// BuildHeaderTree hashes each raw leaf, then folds pairs of hashed leaves
// upward (duplicating the last leaf on an odd count) until a single root
// remains. Leaf order is preserved in HashedLeaves.
func BuildHeaderTree(leaves [][]byte) (*HeaderTree, error) {
	if len(leaves) == 0 {
		return nil, errors.New("posw: header tree requires at least one leaf")
	}

	hashed := make([][HashSize]byte, len(leaves))
	for i, leaf := range leaves {
		hashed[i] = Hash(leaf)
	}

	level := make([][HashSize]byte, len(hashed))
	copy(level, hashed)
	for len(level) > 1 {
		var next [][HashSize]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, Hash(level[i][:], level[i+1][:]))
			} else {
				next = append(next, Hash(level[i][:], level[i][:]))
			}
		}
		level = next
	}

	return &HeaderTree{Root: level[0], HashedLeaves: hashed}, nil
}

// Leaf returns the i-th hashed leaf as a hex string, or "" if out of range.
func (t *HeaderTree) Leaf(i int) string {
	if i < 0 || i >= len(t.HashedLeaves) {
		return ""
	}
	return hex.EncodeToString(t.HashedLeaves[i][:])
}

// Proof is the candidate solution a prover submits: a claimed difficulty
// and a commitment that Verify recomputes independently. Encoded on the
// wire as hex.
type Proof struct {
	Difficulty uint64
	Commitment [HashSize]byte
}

// DecodeProof parses a hex-encoded proof payload: 8 bytes big-endian
// difficulty followed by a 32-byte commitment.
func DecodeProof(proofHex string) (Proof, error) {
	raw, err := hex.DecodeString(proofHex)
	if err != nil {
		return Proof{}, fmt.Errorf("posw: invalid proof hex: %w", err)
	}
	if len(raw) != 8+HashSize {
		return Proof{}, fmt.Errorf("posw: proof has wrong length %d", len(raw))
	}
	var p Proof
	p.Difficulty = binary.BigEndian.Uint64(raw[:8])
	copy(p.Commitment[:], raw[8:])
	return p, nil
}

// ToProofDifficulty returns the proof's claimed difficulty, erroring when
// it is zero (a proof cannot attest to zero work).
func (p Proof) ToProofDifficulty() (uint64, error) {
	if p.Difficulty == 0 {
		return 0, errors.New("posw: proof carries no difficulty")
	}
	return p.Difficulty, nil
}

// Verify recomputes the expected commitment over (height, shareTarget,
// headerRoot, nonce) and compares it against the proof's claimed
// commitment. A real PoSW verifier would instead check a succinct
// zero-knowledge argument against the same public inputs; this stand-in
// preserves the same call shape so the coordinator's validation pipeline
// is exercised end to end.
func Verify(height uint64, shareTarget uint64, headerRoot []byte, nonce []byte, proof Proof) bool {
	var heightBuf, targetBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	binary.BigEndian.PutUint64(targetBuf[:], shareTarget)

	expected := Hash(heightBuf[:], targetBuf[:], headerRoot, nonce)
	return expected == proof.Commitment
}

// EncodeProof is the inverse of DecodeProof, used by tests to construct
// wire-format proofs that Verify will accept.
func EncodeProof(p Proof) string {
	buf := make([]byte, 8+HashSize)
	binary.BigEndian.PutUint64(buf[:8], p.Difficulty)
	copy(buf[8:], p.Commitment[:])
	return hex.EncodeToString(buf)
}
