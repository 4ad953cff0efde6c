package lib

// Sequence number arithmetic. All comparisons are wraparound-aware: uint32
// addition and subtraction are mod 2^32 by construction, and ordering is
// decided by signed distance, never by raw integer comparison.

func SeqIncrement(seq uint32) uint32 {
	return seq + 1 // mod 2^32 by construction
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc
}

// isGreater reports whether seq1 comes after seq2 in sequence order.
func isGreater(seq1, seq2 uint32) bool {
	return int32(seq1-seq2) > 0
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return isGreater(seq1, seq2) || seq1 == seq2
}

func isLess(seq1, seq2 uint32) bool {
	return !isGreaterOrEqual(seq1, seq2)
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return !isGreater(seq1, seq2)
}

// inWindow reports whether seq falls in [lower, lower+wnd). The distance
// from lower is what gets compared, so the window may straddle the 2^32
// wrap point.
func inWindow(seq, lower, wnd uint32) bool {
	return seq-lower < wnd
}

// SendSequenceSpace holds the send-side sequence variables of a TCB.
// See RFC 793 section 3.2.
type SendSequenceSpace struct {
	Una uint32 // send unacknowledged
	Nxt uint32 // send next
	Wnd uint16 // send window
	Up  bool   // send urgent pointer
	Wl1 uint32 // segment sequence number used for last window update
	Wl2 uint32 // segment acknowledgment number used for last window update
	Iss uint32 // initial send sequence number
}

// NewSendSequenceSpace seeds the send space from the chosen ISS. The SYN
// consumes one sequence number, so Nxt starts at Iss+1.
func NewSendSequenceSpace(iss uint32, wnd uint16) SendSequenceSpace {
	return SendSequenceSpace{
		Una: iss,
		Nxt: SeqIncrement(iss),
		Wnd: wnd,
		Iss: iss,
	}
}

// AckAcceptable reports whether ack acknowledges something new without
// acknowledging data we never sent: Una < ack <= Nxt in sequence order.
func (s *SendSequenceSpace) AckAcceptable(ack uint32) bool {
	return isGreater(ack, s.Una) && isLessOrEqual(ack, s.Nxt)
}

// ReceiveSequenceSpace holds the receive-side sequence variables of a TCB.
// See RFC 793 section 3.2.
type ReceiveSequenceSpace struct {
	Nxt uint32 // receive next
	Wnd uint16 // receive window
	Up  bool   // receive urgent pointer
	Irs uint32 // initial receive sequence number
}

// NewReceiveSequenceSpace seeds the receive space from the peer's ISS
// carried on its SYN. The peer's SYN consumes one sequence number.
func NewReceiveSequenceSpace(peerIss uint32, wnd uint16) ReceiveSequenceSpace {
	return ReceiveSequenceSpace{
		Nxt: SeqIncrement(peerIss),
		Wnd: wnd,
		Irs: peerIss,
	}
}

// SegmentAcceptable implements the RFC 793 four-case acceptability test
// against [Nxt, Nxt+Wnd). seglen counts payload octets plus SYN and FIN.
func (r *ReceiveSequenceSpace) SegmentAcceptable(seq, seglen uint32) bool {
	wnd := uint32(r.Wnd)
	if seglen == 0 {
		if wnd == 0 {
			return seq == r.Nxt
		}
		return inWindow(seq, r.Nxt, wnd)
	}
	if wnd == 0 {
		return false
	}
	last := SeqIncrementBy(seq, seglen) - 1
	return inWindow(seq, r.Nxt, wnd) || inWindow(last, r.Nxt, wnd)
}

// Advance moves Nxt past an accepted segment.
func (r *ReceiveSequenceSpace) Advance(seq, seglen uint32) {
	r.Nxt = SeqIncrementBy(seq, seglen)
}
