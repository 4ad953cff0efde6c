package lib

import (
	"errors"
	"net/netip"
	"testing"
	"time"
)

func testQuad() Quad {
	return Quad{
		Local:  Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 80},
		Remote: Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 5000},
	}
}

func testConnConfig() *ConnectionConfig {
	cfg := DefaultConnectionConfig()
	cfg.InitSendSeqNumber = 50000
	return cfg
}

// segmentFromPeer serializes a segment as the remote endpoint would send it
// and parses it back into the view the state machine consumes.
func segmentFromPeer(t *testing.T, quad Quad, seq, ack uint32, flags uint8, wnd uint16, payload []byte) (TcpView, int) {
	t.Helper()
	hdr := &TcpIpHeader{
		SrcAddr:           quad.Remote.Addr,
		DstAddr:           quad.Local.Addr,
		SourcePort:        quad.Remote.Port,
		DestinationPort:   quad.Local.Port,
		SequenceNumber:    seq,
		AcknowledgmentNum: ack,
		Flags:             flags,
		WindowSize:        wnd,
		TTL:               64,
	}

	buf := make([]byte, EthernetMTU)
	n, err := NewFrameWriter(0).BuildFrame(buf, hdr, payload)
	if err != nil {
		t.Fatalf("building peer segment: %v", err)
	}
	_, tcp, pl, err := NewFrameReader(buf, n, 0).ParseHeaders()
	if err != nil {
		t.Fatalf("parsing peer segment: %v", err)
	}
	return tcp, len(pl)
}

// establishedConn walks a connection through the passive-open handshake.
func establishedConn(t *testing.T, cfg *ConnectionConfig, peerIss uint32, peerWnd uint16) *Connection {
	t.Helper()
	quad := testQuad()

	syn, _ := segmentFromPeer(t, quad, peerIss, 0, SYNFlag, peerWnd, nil)
	conn, resp, err := Accept(quad, syn, cfg)
	if err != nil || conn == nil || resp == nil {
		t.Fatalf("Accept: conn=%v resp=%v err=%v", conn, resp, err)
	}

	handshakeAck, _ := segmentFromPeer(t, quad, peerIss+1, conn.SendSpace().Nxt, ACKFlag, peerWnd, nil)
	if _, err := conn.HandleSegment(handshakeAck, 0); err != nil {
		t.Fatalf("handshake ack: %v", err)
	}
	if conn.State() != StateEstablished {
		t.Fatalf("state after handshake = %s, want Established", conn.State())
	}
	return conn
}

func TestAcceptIgnoresNonSyn(t *testing.T) {
	quad := testQuad()
	ack, _ := segmentFromPeer(t, quad, 1000, 50001, ACKFlag, 4096, nil)

	conn, resp, err := Accept(quad, ack, testConnConfig())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if conn != nil || resp != nil {
		t.Errorf("non-SYN created conn=%v resp=%v, want nothing", conn, resp)
	}
}

func TestPassiveOpenHandshake(t *testing.T) {
	quad := testQuad()
	cfg := testConnConfig()

	syn, _ := segmentFromPeer(t, quad, 1000, 0, SYNFlag, 4096, nil)
	conn, resp, err := Accept(quad, syn, cfg)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if conn.State() != StateSynReceived {
		t.Errorf("state = %s, want SynReceived", conn.State())
	}

	if resp.Flags != SYNFlag|ACKFlag {
		t.Errorf("response flags = %#x, want SYN|ACK", resp.Flags)
	}
	if resp.SequenceNumber != 50000 {
		t.Errorf("response seq = %d, want configured ISS 50000", resp.SequenceNumber)
	}
	if resp.AcknowledgmentNum != 1001 {
		t.Errorf("response ack = %d, want 1001", resp.AcknowledgmentNum)
	}
	if resp.SrcAddr != quad.Local.Addr || resp.DstAddr != quad.Remote.Addr {
		t.Errorf("response addressed %s->%s, want %s->%s", resp.SrcAddr, resp.DstAddr, quad.Local.Addr, quad.Remote.Addr)
	}

	recv := conn.RecvSpace()
	if recv.Irs != 1000 || recv.Nxt != 1001 {
		t.Errorf("recv space irs/nxt = %d/%d, want 1000/1001", recv.Irs, recv.Nxt)
	}
	send := conn.SendSpace()
	if send.Iss != 50000 || send.Una != 50000 || send.Nxt != 50001 {
		t.Errorf("send space iss/una/nxt = %d/%d/%d, want 50000/50000/50001", send.Iss, send.Una, send.Nxt)
	}

	// Peer acknowledges the SYN+ACK.
	handshakeAck, _ := segmentFromPeer(t, quad, 1001, 50001, ACKFlag, 4096, nil)
	resp2, err := conn.HandleSegment(handshakeAck, 0)
	if err != nil {
		t.Fatalf("handshake ack: %v", err)
	}
	if resp2 != nil {
		t.Errorf("handshake ack answered with %+v, want silence", resp2)
	}
	if conn.State() != StateEstablished {
		t.Errorf("state = %s, want Established", conn.State())
	}
	if una := conn.SendSpace().Una; una != 50001 {
		t.Errorf("snd.una = %d, want 50001", una)
	}
}

func TestSynReceivedRejectsBadAck(t *testing.T) {
	quad := testQuad()
	syn, _ := segmentFromPeer(t, quad, 1000, 0, SYNFlag, 4096, nil)
	conn, _, err := Accept(quad, syn, testConnConfig())
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Acks the ISS itself instead of ISS+1.
	badAck, _ := segmentFromPeer(t, quad, 1001, 50000, ACKFlag, 4096, nil)
	if _, err := conn.HandleSegment(badAck, 0); !errors.Is(err, ErrUnacceptableSegment) {
		t.Errorf("bad handshake ack: err = %v, want ErrUnacceptableSegment", err)
	}
	if conn.State() != StateSynReceived {
		t.Errorf("state = %s, want SynReceived unchanged", conn.State())
	}
}

func TestActiveOpen(t *testing.T) {
	quad := testQuad()
	cfg := testConnConfig()

	conn, syn, err := Connect(quad, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.State() != StateSynSent {
		t.Errorf("state = %s, want SynSent", conn.State())
	}
	if syn.Flags != SYNFlag {
		t.Errorf("syn flags = %#x, want SYN only", syn.Flags)
	}
	if syn.SequenceNumber != 50000 {
		t.Errorf("syn seq = %d, want configured ISS 50000", syn.SequenceNumber)
	}

	synAck, _ := segmentFromPeer(t, quad, 9000, 50001, SYNFlag|ACKFlag, 8192, nil)
	resp, err := conn.HandleSegment(synAck, 0)
	if err != nil {
		t.Fatalf("syn-ack: %v", err)
	}
	if conn.State() != StateEstablished {
		t.Errorf("state = %s, want Established", conn.State())
	}
	if resp == nil || resp.Flags != ACKFlag {
		t.Fatalf("response = %+v, want a plain ACK", resp)
	}
	if resp.AcknowledgmentNum != 9001 {
		t.Errorf("ack number = %d, want 9001", resp.AcknowledgmentNum)
	}
	if resp.SequenceNumber != 50001 {
		t.Errorf("seq number = %d, want 50001", resp.SequenceNumber)
	}
	if recv := conn.RecvSpace(); recv.Irs != 9000 || recv.Nxt != 9001 {
		t.Errorf("recv space irs/nxt = %d/%d, want 9000/9001", recv.Irs, recv.Nxt)
	}
	if send := conn.SendSpace(); send.Una != 50001 || send.Wnd != 8192 {
		t.Errorf("send space una/wnd = %d/%d, want 50001/8192", send.Una, send.Wnd)
	}
}

func TestUnacceptableSegmentGetsResyncAck(t *testing.T) {
	conn := establishedConn(t, testConnConfig(), 499, 100)
	quad := conn.Quad()

	// One payload byte starting well past the 100-wide window at rcv.nxt 500.
	stray, payloadLen := segmentFromPeer(t, quad, 700, conn.SendSpace().Nxt, ACKFlag, 100, []byte("x"))
	resp, err := conn.HandleSegment(stray, payloadLen)
	if !errors.Is(err, ErrUnacceptableSegment) {
		t.Fatalf("err = %v, want ErrUnacceptableSegment", err)
	}
	if resp == nil {
		t.Fatal("no resynchronizing ACK produced")
	}
	if resp.Flags != ACKFlag {
		t.Errorf("resync flags = %#x, want ACK", resp.Flags)
	}
	if resp.AcknowledgmentNum != 500 {
		t.Errorf("resync ack = %d, want rcv.nxt 500", resp.AcknowledgmentNum)
	}
	if conn.State() != StateEstablished {
		t.Errorf("state = %s, want Established unchanged", conn.State())
	}
	if nxt := conn.RecvSpace().Nxt; nxt != 500 {
		t.Errorf("rcv.nxt = %d, want 500 unchanged", nxt)
	}
}

func TestRstTearsConnectionDown(t *testing.T) {
	conn := establishedConn(t, testConnConfig(), 1000, 4096)

	rst, _ := segmentFromPeer(t, conn.Quad(), 1001, 0, RSTFlag, 4096, nil)
	resp, err := conn.HandleSegment(rst, 0)
	if err != nil {
		t.Fatalf("rst: %v", err)
	}
	if resp != nil {
		t.Errorf("RST answered with %+v, want silence", resp)
	}
	if conn.State() != StateClosed || !conn.Defunct() {
		t.Errorf("state = %s, want Closed and defunct", conn.State())
	}
}

func TestActiveClose(t *testing.T) {
	cfg := testConnConfig()
	cfg.MSL = time.Second
	conn := establishedConn(t, cfg, 1000, 4096)
	quad := conn.Quad()

	fin, err := conn.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if conn.State() != StateFinWait1 {
		t.Errorf("state = %s, want FinWait1", conn.State())
	}
	if fin.Flags != FINFlag|ACKFlag {
		t.Errorf("fin flags = %#x, want FIN|ACK", fin.Flags)
	}
	if nxt := conn.SendSpace().Nxt; nxt != fin.SequenceNumber+1 {
		t.Errorf("snd.nxt = %d after FIN at %d, want the FIN to consume one number", nxt, fin.SequenceNumber)
	}

	// Peer acknowledges our FIN.
	finAck, _ := segmentFromPeer(t, quad, 1001, conn.SendSpace().Nxt, ACKFlag, 4096, nil)
	resp, err := conn.HandleSegment(finAck, 0)
	if err != nil {
		t.Fatalf("ack of fin: %v", err)
	}
	if resp != nil {
		t.Errorf("ack of FIN answered with %+v, want silence", resp)
	}
	if conn.State() != StateFinWait2 {
		t.Errorf("state = %s, want FinWait2", conn.State())
	}

	// Peer sends its own FIN.
	peerFin, _ := segmentFromPeer(t, quad, 1001, conn.SendSpace().Nxt, FINFlag|ACKFlag, 4096, nil)
	resp, err = conn.HandleSegment(peerFin, 0)
	if err != nil {
		t.Fatalf("peer fin: %v", err)
	}
	if conn.State() != StateTimeWait {
		t.Errorf("state = %s, want TimeWait", conn.State())
	}
	if resp == nil || resp.AcknowledgmentNum != 1002 {
		t.Fatalf("FIN ack = %+v, want ack 1002", resp)
	}

	// 2*MSL must elapse before TimeWait releases the quad.
	if conn.TimeWaitExpired(time.Now()) {
		t.Error("TimeWait expired immediately")
	}
	if !conn.TimeWaitExpired(time.Now().Add(3 * time.Second)) {
		t.Error("TimeWait still held after 2*MSL")
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %s, want Closed after TimeWait", conn.State())
	}
}

func TestPassiveClose(t *testing.T) {
	conn := establishedConn(t, testConnConfig(), 1000, 4096)
	quad := conn.Quad()

	peerFin, _ := segmentFromPeer(t, quad, 1001, conn.SendSpace().Nxt, FINFlag|ACKFlag, 4096, nil)
	resp, err := conn.HandleSegment(peerFin, 0)
	if err != nil {
		t.Fatalf("peer fin: %v", err)
	}
	if conn.State() != StateCloseWait {
		t.Errorf("state = %s, want CloseWait", conn.State())
	}
	if resp == nil || resp.AcknowledgmentNum != 1002 {
		t.Fatalf("FIN ack = %+v, want ack 1002", resp)
	}

	if _, err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if conn.State() != StateLastAck {
		t.Errorf("state = %s, want LastAck", conn.State())
	}

	finAck, _ := segmentFromPeer(t, quad, 1002, conn.SendSpace().Nxt, ACKFlag, 4096, nil)
	if _, err := conn.HandleSegment(finAck, 0); err != nil {
		t.Fatalf("ack of fin: %v", err)
	}
	if conn.State() != StateClosed || !conn.Defunct() {
		t.Errorf("state = %s, want Closed and defunct", conn.State())
	}
}

func TestSimultaneousClose(t *testing.T) {
	cfg := testConnConfig()
	cfg.MSL = time.Second
	conn := establishedConn(t, cfg, 1000, 4096)
	quad := conn.Quad()

	if _, err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The peer's FIN crosses ours on the wire; it does not ack our FIN yet.
	peerFin, _ := segmentFromPeer(t, quad, 1001, conn.SendSpace().Una, FINFlag|ACKFlag, 4096, nil)
	resp, err := conn.HandleSegment(peerFin, 0)
	if err != nil {
		t.Fatalf("crossing fin: %v", err)
	}
	if conn.State() != StateClosing {
		t.Errorf("state = %s, want Closing", conn.State())
	}
	if resp == nil || resp.AcknowledgmentNum != 1002 {
		t.Fatalf("FIN ack = %+v, want ack 1002", resp)
	}

	finAck, _ := segmentFromPeer(t, quad, 1002, conn.SendSpace().Nxt, ACKFlag, 4096, nil)
	if _, err := conn.HandleSegment(finAck, 0); err != nil {
		t.Fatalf("ack of fin: %v", err)
	}
	if conn.State() != StateTimeWait {
		t.Errorf("state = %s, want TimeWait", conn.State())
	}
}

func TestFinWait1CombinedFinAck(t *testing.T) {
	cfg := testConnConfig()
	cfg.MSL = time.Second
	conn := establishedConn(t, cfg, 1000, 4096)
	quad := conn.Quad()

	if _, err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// One segment carrying the peer's FIN and the ack of ours: both close
	// legs finish at once and TimeWait starts directly.
	finAck, _ := segmentFromPeer(t, quad, 1001, conn.SendSpace().Nxt, FINFlag|ACKFlag, 4096, nil)
	resp, err := conn.HandleSegment(finAck, 0)
	if err != nil {
		t.Fatalf("combined fin+ack: %v", err)
	}
	if conn.State() != StateTimeWait {
		t.Errorf("state = %s, want TimeWait", conn.State())
	}
	if resp == nil || resp.AcknowledgmentNum != 1002 {
		t.Fatalf("FIN ack = %+v, want ack 1002", resp)
	}
	if una := conn.SendSpace().Una; una != conn.SendSpace().Nxt {
		t.Errorf("snd.una = %d, want %d with our FIN acknowledged", una, conn.SendSpace().Nxt)
	}
	if !conn.TimeWaitExpired(time.Now().Add(3 * time.Second)) {
		t.Error("TimeWait hold did not start at the combined segment")
	}
}

func TestCloseInWrongState(t *testing.T) {
	quad := testQuad()
	conn, _, err := Connect(quad, testConnConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := conn.Close(); err == nil {
		t.Error("Close in SynSent succeeded, want an error")
	}
}

func TestTimeWaitReacksRetransmittedFin(t *testing.T) {
	cfg := testConnConfig()
	cfg.MSL = time.Second
	conn := establishedConn(t, cfg, 1000, 4096)
	quad := conn.Quad()

	if _, err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	finAck, _ := segmentFromPeer(t, quad, 1001, conn.SendSpace().Nxt, ACKFlag, 4096, nil)
	if _, err := conn.HandleSegment(finAck, 0); err != nil {
		t.Fatalf("ack of fin: %v", err)
	}
	peerFin, _ := segmentFromPeer(t, quad, 1001, conn.SendSpace().Nxt, FINFlag|ACKFlag, 4096, nil)
	if _, err := conn.HandleSegment(peerFin, 0); err != nil {
		t.Fatalf("peer fin: %v", err)
	}
	if conn.State() != StateTimeWait {
		t.Fatalf("state = %s, want TimeWait", conn.State())
	}

	// The peer did not see our ACK and retransmits its FIN. The old
	// sequence number is out of window by now, so the segment is reported
	// unacceptable, but the ACK still goes out to resynchronize the peer.
	again, _ := segmentFromPeer(t, quad, 1001, conn.SendSpace().Nxt, FINFlag|ACKFlag, 4096, nil)
	resp, err := conn.HandleSegment(again, 0)
	if !errors.Is(err, ErrUnacceptableSegment) {
		t.Fatalf("retransmitted fin: err = %v, want ErrUnacceptableSegment", err)
	}
	if resp == nil || resp.Flags != ACKFlag || resp.AcknowledgmentNum != 1002 {
		t.Errorf("retransmitted FIN response = %+v, want ACK of 1002", resp)
	}
	if conn.State() != StateTimeWait {
		t.Errorf("state = %s, want TimeWait unchanged", conn.State())
	}
}
