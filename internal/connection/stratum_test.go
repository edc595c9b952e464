package connection

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
)

func jobIDHex(height uint64) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(height))
	return hex.EncodeToString(buf[:])
}

func TestParseWorkerID(t *testing.T) {
	cases := []struct {
		in      string
		address string
		worker  string
	}{
		{"tos1qaddresshere.rig1", "tos1qaddresshere", "rig1"},
		{"tos1qaddresshere", "tos1qaddresshere", "default"},
	}
	for _, c := range cases {
		address, worker := parseWorkerID(c.in)
		if address != c.address || worker != c.worker {
			t.Errorf("parseWorkerID(%q) = (%q, %q), want (%q, %q)", c.in, address, worker, c.address, c.worker)
		}
	}
}

func TestJobIDHeightRoundTrip(t *testing.T) {
	for _, height := range []uint64{0, 1, 10, 4096, 0xFFFFFFFF} {
		jobID := jobIDHex(height)
		got, err := jobIDToHeight(jobID)
		if err != nil {
			t.Fatalf("jobIDToHeight(%q): %v", jobID, err)
		}
		if got != height {
			t.Errorf("round trip height = %d, want %d", got, height)
		}
	}
}

func TestJobIDToHeightRejectsBadInput(t *testing.T) {
	if _, err := jobIDToHeight("nothex"); err == nil {
		t.Error("expected error for non-hex job id")
	}
	if _, err := jobIDToHeight("aabb"); err == nil {
		t.Error("expected error for wrong-length job id")
	}
}

func TestExtractIP(t *testing.T) {
	cases := map[string]string{
		"1.2.3.4:5000":      "1.2.3.4",
		"[::1]:5000":        "::1",
		"no-port-at-all":    "no-port-at-all",
	}
	for in, want := range cases {
		if got := extractIP(in); got != want {
			t.Errorf("extractIP(%q) = %q, want %q", in, got, want)
		}
	}
}
