package lib

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// StackConfig carries the stack-wide runtime settings.
type StackConfig struct {
	TunOffset            int  // link-layer prefix bytes before the IP header; TunPrefixLength with packet info, 0 without
	MTU                  int  // largest IP packet the device carries
	FramePoolSize        int  // number of outbound frame buffers in the ring pool
	VerifyChecksums      bool // drop inbound segments with a bad TCP checksum
	Debug                bool
	PoolDebug            bool
	ProcessTimeThreshold int // ring pool chunk processing time threshold, in milliseconds
	ClientPortLower      uint16
	ClientPortUpper      uint16
	SweepInterval        time.Duration // how often expired TimeWait/idle connections are reaped
	ConnConfig           *ConnectionConfig
}

func DefaultStackConfig() *StackConfig {
	return &StackConfig{
		TunOffset:            TunPrefixLength,
		MTU:                  EthernetMTU,
		FramePoolSize:        2000,
		VerifyChecksums:      true,
		ProcessTimeThreshold: 10,
		ClientPortLower:      32768,
		ClientPortUpper:      60999,
		SweepInterval:        time.Second,
		ConnConfig:           DefaultConnectionConfig(),
	}
}

// TcpStack is the per-device TCP core: one event loop reads frames from the
// tunnel device, runs them through the codec and the demultiplexer, and
// writes whatever the state machines decide to send back. All protocol work
// happens synchronously inside one loop turn, so no connection is ever
// touched by two turns at once.
type TcpStack struct {
	config      *StackConfig
	device      DataLayer
	demux       *Demux
	writer      *FrameWriter
	portPool    *PortPool
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewTcpStack(config *StackConfig, device DataLayer) (*TcpStack, error) {
	if device == nil {
		return nil, fmt.Errorf("tcp stack needs a data layer device")
	}
	if config == nil {
		config = DefaultStackConfig()
	}
	if config.ConnConfig == nil {
		config.ConnConfig = DefaultConnectionConfig()
	}

	rp.Debug = config.PoolDebug
	Pool = rp.NewRingPool("TUNSTACK: ", config.FramePoolSize, NewFrameBuffer, config.TunOffset+config.MTU)
	Pool.Debug = config.PoolDebug
	Pool.ProcessTimeThreshold = time.Duration(config.ProcessTimeThreshold) * time.Millisecond

	stack := &TcpStack{
		config:      config,
		device:      device,
		demux:       NewDemux(config.ConnConfig),
		writer:      NewFrameWriter(config.TunOffset),
		portPool:    newPortPool(config.ClientPortLower, config.ClientPortUpper),
		closeSignal: make(chan struct{}),
	}
	stack.demux.OnEvict(stack.releasePort)

	stack.wg.Add(1)
	go stack.handleHousekeeping()

	log.Println("TCP stack started")
	return stack, nil
}

// Demux exposes the connection table, mainly for inspection in tests.
func (s *TcpStack) Demux() *Demux { return s.demux }

// Listen accepts inbound connections on the given local address and port.
// An empty ip listens on any local address with that port.
func (s *TcpStack) Listen(ip string, port uint16) error {
	ep := Endpoint{Port: port}
	if ip != "" {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return fmt.Errorf("listen address %q: %w", ip, err)
		}
		ep.Addr = addr
	}
	s.demux.Listen(ep)
	return nil
}

// Connect starts an active open from localAddr toward remote: the local
// port comes from the ephemeral pool, the SYN goes out, and the returned
// connection sits in SynSent until the peer answers through the event loop.
func (s *TcpStack) Connect(localAddr netip.Addr, remote Endpoint) (*Connection, error) {
	port, err := s.portPool.allocatePort()
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", remote, err)
	}
	quad := Quad{
		Local:  Endpoint{Addr: localAddr, Port: port},
		Remote: remote,
	}

	conn, syn, err := Connect(quad, s.config.ConnConfig)
	if err != nil {
		s.portPool.returnPort(port)
		return nil, err
	}
	if err := s.demux.Register(conn); err != nil {
		s.portPool.returnPort(port)
		return nil, err
	}
	if err := s.sendSegment(syn, nil); err != nil {
		s.demux.Remove(quad)
		return nil, fmt.Errorf("sending SYN for %s: %w", quad, err)
	}
	log.Printf("Connection %s opened in %s", quad, conn.State())
	return conn, nil
}

// CloseConnection begins an orderly close of an existing connection. The
// close runs through the demultiplexer so it is serialized with the event
// loop's dispatching; the connection is never mutated from two goroutines
// at once.
func (s *TcpStack) CloseConnection(conn *Connection) error {
	fin, err := s.demux.Close(conn)
	if err != nil {
		return err
	}
	return s.sendSegment(fin, nil)
}

// releasePort gives an active open's ephemeral port back to the pool once
// its connection left the table. Passive connections carry the listener's
// port, which falls outside the pool's range.
func (s *TcpStack) releasePort(quad Quad) {
	port := quad.Local.Port
	if port < s.config.ClientPortLower || port > s.config.ClientPortUpper {
		return
	}
	if err := s.portPool.returnPort(port); err != nil {
		log.Printf("Returning port %d for %s: %v", port, quad, err)
	}
}

// Run is the event loop. It blocks until the device fails or Close is
// called. Per-frame parse and protocol errors never end the loop; they are
// logged and scoped to the offending frame.
func (s *TcpStack) Run() error {
	recvBuf := make([]byte, s.config.TunOffset+s.config.MTU)
	for {
		n, err := s.device.Recv(recvBuf)
		if err != nil {
			select {
			case <-s.closeSignal:
				return nil
			default:
				return fmt.Errorf("tunnel device receive: %w", err)
			}
		}
		if n == 0 {
			// A tunnel device never legitimately reports EOF.
			return fmt.Errorf("tunnel device receive: zero-length read")
		}
		s.handleFrame(recvBuf, n)
	}
}

// handleFrame runs one inbound frame to completion: classify, parse,
// demultiplex, and transmit whatever the connection decided to send.
func (s *TcpStack) handleFrame(buf []byte, n int) {
	reader := NewFrameReader(buf, n, s.config.TunOffset)
	if reader.Classify() != FrameIpv4 {
		return
	}

	ip, tcp, payload, err := reader.ParseHeaders()
	if err != nil {
		log.Printf("Dropping frame: %v", err)
		return
	}
	if ip.Protocol() != ProtocolTCP {
		return
	}
	if s.config.VerifyChecksums && !VerifyTcpChecksum(ip, tcp, payload) {
		log.Printf("Dropping frame from %s: bad TCP checksum", ip.SourceAddr())
		return
	}
	if s.config.Debug {
		DumpFrame("recv", buf[s.config.TunOffset:n])
	}

	quad := QuadFromViews(ip, tcp)
	resp, err := s.demux.Dispatch(quad, tcp, len(payload))
	if err != nil {
		if errors.Is(err, ErrUnacceptableSegment) {
			log.Printf("Discarding segment: %v", err)
		} else {
			log.Printf("Dispatch error: %v", err)
		}
	}
	if resp == nil {
		return
	}
	if err := s.sendSegment(resp, nil); err != nil {
		log.Printf("Error sending response for %s: %v", quad, err)
	}
}

// sendSegment serializes one outbound segment into a pooled frame buffer
// and hands it to the device. The checksum is finalized here, after the
// state machine stopped touching the header fields.
func (s *TcpStack) sendSegment(hdr *TcpIpHeader, payload []byte) error {
	chunk := Pool.GetElement()
	if chunk == nil {
		return fmt.Errorf("frame pool exhausted")
	}
	defer Pool.ReturnElement(chunk)

	frame := chunk.Data.(*FrameBuffer)
	n, err := s.writer.BuildFrame(frame.Bytes(), hdr, payload)
	if err != nil {
		return err
	}
	frame.SetLength(n)

	if s.config.Debug {
		DumpFrame("send", frame.Frame()[s.config.TunOffset:])
	}
	if _, err := s.device.Send(frame.Frame()); err != nil {
		return fmt.Errorf("tunnel device send: %w", err)
	}
	return nil
}

// handleHousekeeping periodically reaps TimeWait and idle connections.
func (s *TcpStack) handleHousekeeping() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeSignal:
			log.Println("Closing stack housekeeping go routine")
			return
		case now := <-ticker.C:
			s.demux.Sweep(now)
		}
	}
}

func (s *TcpStack) Close() error {
	s.closeOnce.Do(func() { close(s.closeSignal) })
	err := s.device.Close()
	s.wg.Wait()
	log.Println("TCP stack closed gracefully.")
	return err
}
