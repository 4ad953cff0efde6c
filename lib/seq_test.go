package lib

import (
	"testing"
)

func TestIsGreater(t *testing.T) {
	testCases := []struct {
		seq1     uint32
		seq2     uint32
		expected bool
	}{
		{seq1: 10, seq2: 5, expected: true},
		{seq1: 5, seq2: 10, expected: false},
		{seq1: 5, seq2: 4294967295, expected: true},  // wrap-around
		{seq1: 4294967295, seq2: 5, expected: false}, // wrap-around
		{seq1: 2147483647, seq2: 2147483646, expected: true},
		{seq1: 2147483646, seq2: 2147483647, expected: false},
		{seq1: 0, seq2: 4294967295, expected: true},
		{seq1: 4294967295, seq2: 0, expected: false},
		{seq1: 7, seq2: 7, expected: false},
	}

	for _, tc := range testCases {
		result := isGreater(tc.seq1, tc.seq2)
		if result != tc.expected {
			t.Errorf("For (%d, %d), expected %t, but got %t", tc.seq1, tc.seq2, tc.expected, result)
		}
	}
}

func TestNewSendSequenceSpace(t *testing.T) {
	testCases := []struct {
		name string
		iss  uint32
		wnd  uint16
	}{
		{name: "zero iss", iss: 0, wnd: 1024},
		{name: "mid range", iss: 123456, wnd: 4096},
		{name: "wraps at max", iss: 4294967295, wnd: 10},
	}

	for _, tc := range testCases {
		s := NewSendSequenceSpace(tc.iss, tc.wnd)
		if s.Una != tc.iss || s.Iss != tc.iss {
			t.Errorf("%s: una/iss = %d/%d, want %d", tc.name, s.Una, s.Iss, tc.iss)
		}
		if want := tc.iss + 1; s.Nxt != want {
			t.Errorf("%s: nxt = %d, want %d", tc.name, s.Nxt, want)
		}
		if s.Wnd != tc.wnd {
			t.Errorf("%s: wnd = %d, want %d", tc.name, s.Wnd, tc.wnd)
		}

		// The SYN itself must not be acceptable as an ack, but iss+1 is.
		if s.AckAcceptable(tc.iss) {
			t.Errorf("%s: ack of iss should not be acceptable", tc.name)
		}
		if !s.AckAcceptable(tc.iss + 1) {
			t.Errorf("%s: ack of iss+1 should be acceptable", tc.name)
		}
		if s.AckAcceptable(tc.iss + 2) {
			t.Errorf("%s: ack beyond nxt should not be acceptable", tc.name)
		}
	}
}

func TestNewReceiveSequenceSpace(t *testing.T) {
	testCases := []struct {
		peerIss uint32
		wantNxt uint32
	}{
		{peerIss: 0, wantNxt: 1},
		{peerIss: 1000, wantNxt: 1001},
		{peerIss: 4294967295, wantNxt: 0}, // mod 2^32
	}

	for _, tc := range testCases {
		r := NewReceiveSequenceSpace(tc.peerIss, 4096)
		if r.Irs != tc.peerIss {
			t.Errorf("irs = %d, want %d", r.Irs, tc.peerIss)
		}
		if r.Nxt != tc.wantNxt {
			t.Errorf("nxt = %d, want %d", r.Nxt, tc.wantNxt)
		}
	}
}

func TestSegmentAcceptable(t *testing.T) {
	testCases := []struct {
		name     string
		nxt      uint32
		wnd      uint16
		seq      uint32
		seglen   uint32
		expected bool
	}{
		{name: "empty segment at nxt", nxt: 500, wnd: 100, seq: 500, seglen: 0, expected: true},
		{name: "empty segment inside window", nxt: 500, wnd: 100, seq: 599, seglen: 0, expected: true},
		{name: "empty segment past window", nxt: 500, wnd: 100, seq: 600, seglen: 0, expected: false},
		{name: "empty segment before nxt", nxt: 500, wnd: 100, seq: 499, seglen: 0, expected: false},
		{name: "data at nxt", nxt: 500, wnd: 100, seq: 500, seglen: 10, expected: true},
		{name: "data past window", nxt: 500, wnd: 100, seq: 700, seglen: 1, expected: false},
		{name: "data straddles window start", nxt: 500, wnd: 100, seq: 490, seglen: 20, expected: true},
		{name: "data entirely before window", nxt: 500, wnd: 100, seq: 400, seglen: 50, expected: false},
		{name: "data straddles window end", nxt: 500, wnd: 100, seq: 595, seglen: 20, expected: true},
		{name: "wraparound window", nxt: 4294967295, wnd: 100, seq: 0, seglen: 1, expected: true},
		{name: "wraparound empty segment", nxt: 4294967295, wnd: 100, seq: 50, seglen: 0, expected: true},
		{name: "zero window rejects data", nxt: 500, wnd: 0, seq: 500, seglen: 1, expected: false},
		{name: "zero window accepts probe at nxt", nxt: 500, wnd: 0, seq: 500, seglen: 0, expected: true},
		{name: "zero window rejects probe off nxt", nxt: 500, wnd: 0, seq: 501, seglen: 0, expected: false},
	}

	for _, tc := range testCases {
		r := ReceiveSequenceSpace{Nxt: tc.nxt, Wnd: tc.wnd}
		if got := r.SegmentAcceptable(tc.seq, tc.seglen); got != tc.expected {
			t.Errorf("%s: SegmentAcceptable(%d, %d) = %t, want %t", tc.name, tc.seq, tc.seglen, got, tc.expected)
		}
	}
}

func TestAdvanceWraps(t *testing.T) {
	r := ReceiveSequenceSpace{Nxt: 4294967290, Wnd: 100}
	r.Advance(4294967290, 10)
	if r.Nxt != 4 {
		t.Errorf("nxt after wrapping advance = %d, want 4", r.Nxt)
	}
}
