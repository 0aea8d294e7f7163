package flow

import "bytes"

// CanonicalKey is the direction-agnostic identity used for bidirectional
// connection tracking: both directions of one connection
// share a single CanonicalKey, with a per-lookup "forward" flag recovered
// from whichever raw FlowKey produced it.
type CanonicalKey struct {
	EtherType EtherType
	L4Proto   L4Proto
	LoAddr    Addr
	HiAddr    Addr
	LoPort    uint16
	HiPort    uint16
}

// Canonicalize produces the CanonicalKey for k, and reports forward=true iff
// k's source endpoint is the one that sorts into the "lo" slot (lower
// address, or equal address with lower port). Both directions of a
// connection therefore canonicalize to the same key with opposite forward
// flags.
func Canonicalize(k FlowKey) (ck CanonicalKey, forward bool) {
	n := k.addrLen()
	cmp := bytes.Compare(k.SrcAddr[:n], k.DstAddr[:n])
	srcIsLo := cmp < 0 || (cmp == 0 && k.SrcPort <= k.DstPort)

	ck.EtherType = k.EtherType
	ck.L4Proto = k.L4Proto
	if srcIsLo {
		ck.LoAddr, ck.HiAddr = k.SrcAddr, k.DstAddr
		ck.LoPort, ck.HiPort = k.SrcPort, k.DstPort
		return ck, true
	}
	ck.LoAddr, ck.HiAddr = k.DstAddr, k.SrcAddr
	ck.LoPort, ck.HiPort = k.DstPort, k.SrcPort
	return ck, false
}
