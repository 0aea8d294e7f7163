package engine

import (
	"testing"

	"github.com/m-lab/flowlens/internal/flow"
	"github.com/m-lab/flowlens/internal/flowtable"
)

func rf(port uint16, bytes int64) rankedFlow {
	return rankedFlow{
		key: flow.FlowKey{SrcPort: port},
		rec: flowtable.Record{Bytes: bytes},
	}
}

func ports(top []rankedFlow) []uint16 {
	out := make([]uint16, len(top))
	for i, r := range top {
		out[i] = r.key.SrcPort
	}
	return out
}

func TestInsertTopNKeepsDescendingOrder(t *testing.T) {
	var top []rankedFlow
	for _, r := range []rankedFlow{rf(1, 50), rf(2, 200), rf(3, 100), rf(4, 150)} {
		top = insertTopN(top, r, 3)
	}

	got := ports(top)
	want := []uint16{2, 4, 3}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestInsertTopNRejectsSmallerThanTail(t *testing.T) {
	var top []rankedFlow
	for _, r := range []rankedFlow{rf(1, 300), rf(2, 200), rf(3, 100)} {
		top = insertTopN(top, r, 3)
	}
	top = insertTopN(top, rf(4, 50), 3)
	if len(top) != 3 || top[2].rec.Bytes != 100 {
		t.Errorf("tail changed for a smaller insert: %v", ports(top))
	}
}

func TestInsertTopNTies(t *testing.T) {
	var top []rankedFlow
	top = insertTopN(top, rf(1, 100), 3)
	top = insertTopN(top, rf(2, 100), 3)
	got := ports(top)
	if len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Errorf("order = %v, want the newer of two equal flows first", got)
	}
}

func TestInsertTopNZeroN(t *testing.T) {
	if top := insertTopN(nil, rf(1, 100), 0); len(top) != 0 {
		t.Errorf("n=0 should keep nothing, got %v", ports(top))
	}
}
