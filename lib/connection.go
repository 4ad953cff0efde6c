package lib

import (
	"fmt"
	"log"
	"time"
)

// TcpState is the RFC 793 connection state.
type TcpState int

const (
	StateClosed TcpState = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = map[TcpState]string{
	StateClosed:      "Closed",
	StateListen:      "Listen",
	StateSynSent:     "SynSent",
	StateSynReceived: "SynReceived",
	StateEstablished: "Established",
	StateFinWait1:    "FinWait1",
	StateFinWait2:    "FinWait2",
	StateCloseWait:   "CloseWait",
	StateClosing:     "Closing",
	StateLastAck:     "LastAck",
	StateTimeWait:    "TimeWait",
}

func (s TcpState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TcpState(%d)", int(s))
}

// ConnectionConfig holds the per-connection runtime settings. It is passed
// explicitly into connection creation; nothing here is a process-wide
// default baked into constants.
type ConnectionConfig struct {
	InitSendSeqNumber uint32        // initial send sequence number; 0 draws a random ISN per connection
	WindowSize        uint16        // receive window advertised to the peer
	TTL               uint8         // TTL stamped on outbound IPv4 headers
	IdleTimeout       time.Duration // abort the connection if no inbound packet arrives within this window; 0 disables
	KeepAliveInterval time.Duration // send keep-alive probes at this interval; 0 disables
	MSL               time.Duration // maximum segment lifetime; TimeWait holds for 2*MSL
	Debug             bool
}

func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		WindowSize: DefaultWindowSize,
		TTL:        DefaultTTL,
		MSL:        DefaultMSLSecs * time.Second,
	}
}

// Connection owns one TCP connection's protocol state: the two sequence
// spaces and the current TcpState. It is mutated exclusively through its
// own handlers; the demultiplexer hands out one inbound event at a time.
type Connection struct {
	quad    Quad
	state   TcpState
	sendSeq SendSequenceSpace
	recvSeq ReceiveSequenceSpace
	config  *ConnectionConfig

	timeWaitEntered time.Time // set on the transition into TimeWait
	lastInbound     time.Time // for idle-timeout bookkeeping
}

func (c *Connection) State() TcpState { return c.state }
func (c *Connection) Quad() Quad      { return c.quad }

// SendSpace and RecvSpace expose copies of the sequence spaces.
func (c *Connection) SendSpace() SendSequenceSpace    { return c.sendSeq }
func (c *Connection) RecvSpace() ReceiveSequenceSpace { return c.recvSeq }

// Defunct reports whether the connection reached Closed and should be
// evicted from the connection table.
func (c *Connection) Defunct() bool { return c.state == StateClosed }

func (c *Connection) setState(state TcpState) {
	if c.config.Debug {
		log.Printf("%s: %s -> %s", c.quad, c.state, state)
	}
	c.state = state
}

// chooseISS picks the initial send sequence number from config, drawing a
// random ISN when the configured value is zero.
func chooseISS(config *ConnectionConfig) (uint32, error) {
	if config.InitSendSeqNumber != 0 {
		return config.InitSendSeqNumber, nil
	}
	return GenerateISN()
}

// Accept handles the first packet of a three-way handshake for a quad with
// no existing connection. A packet without SYN creates no connection and is
// not an error; that is the normal filtering outcome. On a valid SYN the
// connection is created in Listen, the SYN+ACK response is produced, and
// the connection is left in SynReceived awaiting the peer's ACK.
func Accept(quad Quad, tcp TcpView, config *ConnectionConfig) (*Connection, *TcpIpHeader, error) {
	if !tcp.Syn() {
		return nil, nil, nil
	}

	conn := &Connection{
		quad:        quad,
		state:       StateListen,
		recvSeq:     NewReceiveSequenceSpace(tcp.SequenceNumber(), tcp.WindowSize()),
		config:      config,
		lastInbound: time.Now(),
	}

	iss, err := chooseISS(config)
	if err != nil {
		return nil, nil, fmt.Errorf("choosing ISS for %s: %w", quad, err)
	}
	conn.sendSeq = NewSendSequenceSpace(iss, config.WindowSize)

	// The SYN+ACK carries our ISS; sendSeq.Nxt already accounts for the
	// sequence number the SYN consumes.
	resp := conn.newHeader()
	resp.HandshakeResp()
	resp.SequenceNumber = conn.sendSeq.Iss
	resp.AcknowledgmentNum = conn.recvSeq.Nxt

	conn.setState(StateSynReceived)
	return conn, resp, nil
}

// Connect initiates an active open toward quad.Remote. The SYN segment is
// returned for the caller to transmit; the connection sits in SynSent until
// the peer's SYN+ACK arrives through HandleSegment.
func Connect(quad Quad, config *ConnectionConfig) (*Connection, *TcpIpHeader, error) {
	conn := &Connection{
		quad:        quad,
		state:       StateClosed,
		config:      config,
		lastInbound: time.Now(),
	}

	iss, err := chooseISS(config)
	if err != nil {
		return nil, nil, fmt.Errorf("choosing ISS for %s: %w", quad, err)
	}
	conn.sendSeq = NewSendSequenceSpace(iss, config.WindowSize)

	syn := conn.newHeader()
	syn.Flags = SYNFlag
	syn.SequenceNumber = conn.sendSeq.Iss

	conn.setState(StateSynSent)
	return conn, syn, nil
}

// HandleSegment runs one inbound segment through the state machine and
// returns the response segment to transmit, if any. An unacceptable
// segment is reported via ErrUnacceptableSegment together with the
// resynchronizing ACK to send; the connection state is untouched in that
// case.
func (c *Connection) HandleSegment(tcp TcpView, payloadLen int) (*TcpIpHeader, error) {
	c.lastInbound = time.Now()

	// A RST tears the connection down immediately and is never answered.
	if tcp.Rst() {
		c.setState(StateClosed)
		return nil, nil
	}

	seglen := uint32(payloadLen)
	if tcp.Syn() {
		seglen++
	}
	if tcp.Fin() {
		seglen++
	}

	// SynSent has no receive space yet; the SYN+ACK seeds it below. Every
	// other state validates the segment against the receive window first.
	if c.state != StateSynSent {
		if !c.recvSeq.SegmentAcceptable(tcp.SequenceNumber(), seglen) {
			return c.resyncAck(), fmt.Errorf("%s seq %d len %d against rcv.nxt %d wnd %d: %w",
				c.quad, tcp.SequenceNumber(), seglen, c.recvSeq.Nxt, c.recvSeq.Wnd, ErrUnacceptableSegment)
		}
	}

	switch c.state {
	case StateSynSent:
		return c.handleSynSent(tcp)
	case StateSynReceived:
		return c.handleSynReceived(tcp)
	case StateEstablished:
		return c.handleEstablished(tcp, seglen)
	case StateFinWait1:
		return c.handleFinWait1(tcp, seglen)
	case StateFinWait2:
		return c.handleFinWait2(tcp, seglen)
	case StateClosing:
		return c.handleAckOfFin(tcp, StateTimeWait)
	case StateLastAck:
		return c.handleAckOfFin(tcp, StateClosed)
	case StateTimeWait:
		// A retransmitted FIN gets the ACK again; nothing else does.
		if tcp.Fin() {
			return c.resyncAck(), nil
		}
		return nil, nil
	default:
		// Listen and Closed see no segments through this path; the
		// demultiplexer routes the first SYN through Accept instead.
		return nil, nil
	}
}

func (c *Connection) handleSynSent(tcp TcpView) (*TcpIpHeader, error) {
	if !tcp.Syn() || !tcp.Ack() {
		return nil, nil
	}
	if !c.sendSeq.AckAcceptable(tcp.AckNumber()) {
		// A bogus ack during an active open; drop and wait for the real one.
		return nil, fmt.Errorf("%s syn-ack acks %d, snd.una %d snd.nxt %d: %w",
			c.quad, tcp.AckNumber(), c.sendSeq.Una, c.sendSeq.Nxt, ErrUnacceptableSegment)
	}

	c.recvSeq = NewReceiveSequenceSpace(tcp.SequenceNumber(), tcp.WindowSize())
	c.sendSeq.Una = tcp.AckNumber()
	c.sendSeq.Wnd = tcp.WindowSize()
	c.sendSeq.Wl1 = tcp.SequenceNumber()
	c.sendSeq.Wl2 = tcp.AckNumber()
	c.setState(StateEstablished)

	ack := c.newHeader()
	ack.Flags = ACKFlag
	ack.UpdateSeqNumbers(&c.sendSeq, &c.recvSeq)
	return ack, nil
}

func (c *Connection) handleSynReceived(tcp TcpView) (*TcpIpHeader, error) {
	if !tcp.Ack() {
		return nil, nil
	}
	if !c.sendSeq.AckAcceptable(tcp.AckNumber()) {
		return nil, fmt.Errorf("%s handshake ack %d, snd.una %d snd.nxt %d: %w",
			c.quad, tcp.AckNumber(), c.sendSeq.Una, c.sendSeq.Nxt, ErrUnacceptableSegment)
	}
	c.sendSeq.Una = tcp.AckNumber()
	c.sendSeq.Wnd = tcp.WindowSize()
	c.sendSeq.Wl1 = tcp.SequenceNumber()
	c.sendSeq.Wl2 = tcp.AckNumber()
	c.setState(StateEstablished)
	return nil, nil
}

func (c *Connection) handleEstablished(tcp TcpView, seglen uint32) (*TcpIpHeader, error) {
	if tcp.Ack() && c.sendSeq.AckAcceptable(tcp.AckNumber()) {
		c.sendSeq.Una = tcp.AckNumber()
	}
	if tcp.Fin() {
		c.recvSeq.Advance(tcp.SequenceNumber(), seglen)
		c.setState(StateCloseWait)
		return c.resyncAck(), nil
	}
	return nil, nil
}

func (c *Connection) handleFinWait1(tcp TcpView, seglen uint32) (*TcpIpHeader, error) {
	acked := c.acksOurFin(tcp)
	if acked {
		c.sendSeq.Una = tcp.AckNumber()
	}
	if tcp.Fin() {
		c.recvSeq.Advance(tcp.SequenceNumber(), seglen)
		if acked {
			// FIN and the ack of our FIN in one segment: both close legs
			// are done, so TimeWait starts now.
			c.setState(StateTimeWait)
			c.timeWaitEntered = time.Now()
		} else {
			// Simultaneous close: both sides sent FIN before seeing the
			// other's.
			c.setState(StateClosing)
		}
		return c.resyncAck(), nil
	}
	if acked {
		c.setState(StateFinWait2)
	}
	return nil, nil
}

func (c *Connection) handleFinWait2(tcp TcpView, seglen uint32) (*TcpIpHeader, error) {
	if !tcp.Fin() {
		return nil, nil
	}
	c.recvSeq.Advance(tcp.SequenceNumber(), seglen)
	c.setState(StateTimeWait)
	c.timeWaitEntered = time.Now()
	return c.resyncAck(), nil
}

func (c *Connection) handleAckOfFin(tcp TcpView, next TcpState) (*TcpIpHeader, error) {
	if !c.acksOurFin(tcp) {
		return nil, nil
	}
	c.sendSeq.Una = tcp.AckNumber()
	c.setState(next)
	if next == StateTimeWait {
		c.timeWaitEntered = time.Now()
	}
	return nil, nil
}

// acksOurFin reports whether the segment acknowledges our FIN, which
// consumed the sequence number snd.Nxt-1.
func (c *Connection) acksOurFin(tcp TcpView) bool {
	return tcp.Ack() && c.sendSeq.AckAcceptable(tcp.AckNumber()) && tcp.AckNumber() == c.sendSeq.Nxt
}

// Close begins an orderly local close: a FIN goes out and the state
// advances per the RFC 793 close diagram. The returned segment must be
// transmitted by the caller.
func (c *Connection) Close() (*TcpIpHeader, error) {
	switch c.state {
	case StateEstablished:
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.setState(StateLastAck)
	default:
		return nil, fmt.Errorf("close in state %s: %w", c.state, errInvalidState)
	}

	fin := c.newHeader()
	fin.Flags = FINFlag | ACKFlag
	fin.UpdateSeqNumbers(&c.sendSeq, &c.recvSeq)
	c.sendSeq.Nxt = SeqIncrement(c.sendSeq.Nxt) // the FIN consumes one sequence number
	return fin, nil
}

// Abort drops the connection without the orderly close exchange.
func (c *Connection) Abort() {
	c.setState(StateClosed)
}

// TimeWaitExpired reports whether the 2*MSL TimeWait hold has elapsed, and
// moves the connection to Closed when it has.
func (c *Connection) TimeWaitExpired(now time.Time) bool {
	if c.state != StateTimeWait {
		return false
	}
	if now.Sub(c.timeWaitEntered) < 2*c.config.MSL {
		return false
	}
	c.setState(StateClosed)
	return true
}

// IdleExpired reports whether the idle timeout has elapsed with no inbound
// traffic. Connections reaped this way are aborted by the caller.
func (c *Connection) IdleExpired(now time.Time) bool {
	return c.config.IdleTimeout > 0 && now.Sub(c.lastInbound) >= c.config.IdleTimeout
}

// resyncAck builds an ACK carrying the current send position and expected
// receive sequence number, used both as the normal acknowledgment and to
// resynchronize a peer whose segment fell outside the window.
func (c *Connection) resyncAck() *TcpIpHeader {
	ack := c.newHeader()
	ack.Flags = ACKFlag
	ack.UpdateSeqNumbers(&c.sendSeq, &c.recvSeq)
	return ack
}

// newHeader builds an outbound header addressed from the local endpoint to
// the remote one, with the advertised window filled in.
func (c *Connection) newHeader() *TcpIpHeader {
	return &TcpIpHeader{
		SrcAddr:         c.quad.Local.Addr,
		DstAddr:         c.quad.Remote.Addr,
		SourcePort:      c.quad.Local.Port,
		DestinationPort: c.quad.Remote.Port,
		WindowSize:      c.config.WindowSize,
		TTL:             c.config.TTL,
	}
}
