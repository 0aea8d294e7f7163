package flow_test

import (
	"testing"

	"github.com/m-lab/flowlens/internal/flow"
)

func TestCanonicalSymmetry(t *testing.T) {
	k := mkKey("10.0.0.1", "10.0.0.2", 1234, 80)
	ck1, fwd1 := flow.Canonicalize(k)
	ck2, fwd2 := flow.Canonicalize(k.Reverse())

	if ck1 != ck2 {
		t.Errorf("canonical(reverse(f)) != canonical(f): %+v vs %+v", ck2, ck1)
	}
	if fwd1 == fwd2 {
		t.Error("forward flag should invert between a flow and its reverse")
	}
}

func TestCanonicalPortTiebreak(t *testing.T) {
	// Same address on both ends (e.g. loopback), tie-break on port.
	k := mkKey("127.0.0.1", "127.0.0.1", 100, 200)
	ck, fwd := flow.Canonicalize(k)
	if !fwd {
		t.Error("lower port should be forward when addresses tie")
	}
	if ck.LoPort != 100 || ck.HiPort != 200 {
		t.Errorf("expected lo=100 hi=200, got lo=%d hi=%d", ck.LoPort, ck.HiPort)
	}
}

func TestFlowCmpDistinctForAsymmetricFlow(t *testing.T) {
	k := mkKey("10.0.0.1", "10.0.0.2", 1234, 80)
	if k == k.Reverse() {
		t.Error("flow_cmp(f, reverse(f)) must differ for distinct src/dst")
	}
}
