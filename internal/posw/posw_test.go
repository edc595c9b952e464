package posw

import "testing"

func TestBuildHeaderTreeDeterministic(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	t1, err := BuildHeaderTree(leaves)
	if err != nil {
		t.Fatalf("BuildHeaderTree() error = %v", err)
	}
	t2, err := BuildHeaderTree(leaves)
	if err != nil {
		t.Fatalf("BuildHeaderTree() error = %v", err)
	}
	if t1.Root != t2.Root {
		t.Error("BuildHeaderTree() should be deterministic for identical leaves")
	}
	if len(t1.HashedLeaves) != 4 {
		t.Fatalf("HashedLeaves len = %d, want 4", len(t1.HashedLeaves))
	}
}

func TestBuildHeaderTreeOddLeafCount(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	tree, err := BuildHeaderTree(leaves)
	if err != nil {
		t.Fatalf("BuildHeaderTree() error = %v", err)
	}
	if tree.Root == ([HashSize]byte{}) {
		t.Error("root should not be the zero value")
	}
}

func TestBuildHeaderTreeEmptyErrors(t *testing.T) {
	if _, err := BuildHeaderTree(nil); err == nil {
		t.Error("expected error for empty leaf set")
	}
}

func TestCRHOrderDependent(t *testing.T) {
	prev := []byte("previous-hash")
	root := []byte("header-root")
	h1 := CRH(prev, root)
	h2 := CRH(root, prev)
	if h1 == h2 {
		t.Error("CRH should not be order-independent")
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	height := uint64(10)
	target := uint64(1000)
	root := []byte("root")
	nonce := []byte("nonce")

	commitment := Hash(func() []byte {
		var b [8]byte
		b[7] = byte(height)
		return b[:]
	}(), func() []byte {
		var b [8]byte
		b[6] = 0x03
		b[7] = 0xE8
		return b[:]
	}(), root, nonce)

	proof := Proof{Difficulty: 5, Commitment: commitment}
	if !Verify(height, target, root, nonce, proof) {
		t.Error("Verify() should accept a correctly constructed commitment")
	}

	bad := Proof{Difficulty: 5, Commitment: [HashSize]byte{0x01}}
	if Verify(height, target, root, nonce, bad) {
		t.Error("Verify() should reject a mismatched commitment")
	}
}

func TestProofDifficultyZeroErrors(t *testing.T) {
	p := Proof{}
	if _, err := p.ToProofDifficulty(); err == nil {
		t.Error("expected error for zero difficulty")
	}
}

func TestDecodeEncodeProofRoundTrip(t *testing.T) {
	p := Proof{Difficulty: 42, Commitment: Hash([]byte("x"))}
	encoded := EncodeProof(p)
	decoded, err := DecodeProof(encoded)
	if err != nil {
		t.Fatalf("DecodeProof() error = %v", err)
	}
	if decoded != p {
		t.Errorf("DecodeProof(EncodeProof(p)) = %+v, want %+v", decoded, p)
	}
}

func TestDecodeProofWrongLength(t *testing.T) {
	if _, err := DecodeProof("abcd"); err == nil {
		t.Error("expected error for short proof")
	}
}
