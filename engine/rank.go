package engine

import (
	"sort"

	"github.com/m-lab/flowlens/internal/flow"
	"github.com/m-lab/flowlens/internal/flowtable"
)

// rankedFlow pairs a flow's identity with its sliding-window record, for
// top-N selection.
type rankedFlow struct {
	key flow.FlowKey
	rec flowtable.Record
}

// insertTopN maintains top as an N-sized, Bytes-descending sorted slice,
// inserting r in its sorted position and dropping the tail once the slice
// reaches n entries. Partial selection in one pass beats sorting the whole
// table: n is small while the flow count can be large.
func insertTopN(top []rankedFlow, r rankedFlow, n int) []rankedFlow {
	if n <= 0 {
		return top
	}
	if len(top) == n && r.rec.Bytes <= top[len(top)-1].rec.Bytes {
		return top
	}
	idx := sort.Search(len(top), func(i int) bool { return top[i].rec.Bytes <= r.rec.Bytes })
	top = append(top, rankedFlow{})
	copy(top[idx+1:], top[idx:])
	top[idx] = r
	if len(top) > n {
		top = top[:n]
	}
	return top
}
