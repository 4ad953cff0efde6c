package lib

import (
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"
)

// Endpoint is one side of a TCP connection: an IPv4 address and a port.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Quad identifies one TCP connection by its (local, remote) endpoint pair.
// The positions are not interchangeable: a quad with swapped endpoints is a
// different key.
type Quad struct {
	Local  Endpoint
	Remote Endpoint
}

func (q Quad) String() string {
	return fmt.Sprintf("%s<->%s", q.Local, q.Remote)
}

// QuadFromViews keys an inbound frame from the receiver's perspective: the
// frame's destination is our local endpoint, its source the remote one.
func QuadFromViews(ip Ipv4View, tcp TcpView) Quad {
	return Quad{
		Local:  Endpoint{Addr: ip.DestinationAddr(), Port: tcp.DestinationPort()},
		Remote: Endpoint{Addr: ip.SourceAddr(), Port: tcp.SourcePort()},
	}
}

// Demux owns the table of live connections and routes inbound segments to
// them. At most one connection exists per quad; creation and removal happen
// under the table lock so concurrent dispatches for the same quad cannot
// race.
type Demux struct {
	mu            sync.Mutex
	connectionMap map[Quad]*Connection
	listenerMap   map[Endpoint]bool
	connConfig    *ConnectionConfig
	onEvict       func(Quad)
}

func NewDemux(connConfig *ConnectionConfig) *Demux {
	return &Demux{
		connectionMap: make(map[Quad]*Connection),
		listenerMap:   make(map[Endpoint]bool),
		connConfig:    connConfig,
	}
}

// OnEvict registers a hook called with the quad of every connection
// removed from the table, whatever the removal path. The stack uses it to
// give ephemeral ports back to the pool. Callers hold d.mu when the hook
// runs, so it must not call back into the demux.
func (d *Demux) OnEvict(fn func(Quad)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEvict = fn
}

// evict removes quad from the table and fires the eviction hook. Callers
// hold d.mu.
func (d *Demux) evict(quad Quad) {
	delete(d.connectionMap, quad)
	if d.onEvict != nil {
		d.onEvict(quad)
	}
}

// Listen marks a local endpoint as accepting inbound SYNs. A zero Addr is
// the wildcard: any local address with that port accepts.
func (d *Demux) Listen(ep Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listenerMap[ep] = true
	log.Printf("Listening on %s", ep)
}

// listening reports whether local matches an explicit or wildcard listener.
// Callers hold d.mu.
func (d *Demux) listening(local Endpoint) bool {
	if d.listenerMap[local] {
		return true
	}
	return d.listenerMap[Endpoint{Port: local.Port}]
}

// Dispatch routes one parsed inbound segment. An existing connection gets
// the event; an unknown quad gets a new connection only for a SYN addressed
// to a listening endpoint. Anything else is unroutable and dropped without
// reply (generating a RST here is a deliberate extension point).
func (d *Demux) Dispatch(quad Quad, tcp TcpView, payloadLen int) (*TcpIpHeader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conn, ok := d.connectionMap[quad]
	if ok {
		resp, err := conn.HandleSegment(tcp, payloadLen)
		if conn.Defunct() {
			d.evict(quad)
			log.Printf("Connection %s closed and removed", quad)
		}
		return resp, err
	}

	if !tcp.Syn() || !d.listening(quad.Local) {
		log.Printf("Dropping segment for non-existent connection %s", quad)
		return nil, nil
	}

	conn, resp, err := Accept(quad, tcp, d.connConfig)
	if err != nil {
		return nil, fmt.Errorf("accepting %s: %w", quad, err)
	}
	if conn == nil {
		return nil, nil
	}
	d.connectionMap[quad] = conn
	log.Printf("New connection %s in %s", quad, conn.State())
	return resp, nil
}

// Register installs a connection created by an active open. It fails if a
// connection already occupies the quad.
func (d *Demux) Register(conn *Connection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.connectionMap[conn.Quad()]; ok {
		return fmt.Errorf("connection %s already exists", conn.Quad())
	}
	d.connectionMap[conn.Quad()] = conn
	return nil
}

// Close begins an orderly local close of conn. It runs under the table
// lock so the state machine is never mutated while Dispatch is handling an
// inbound segment for the same connection.
func (d *Demux) Close(conn *Connection) (*TcpIpHeader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return conn.Close()
}

// Remove drops the connection for quad from the table, if present.
func (d *Demux) Remove(quad Quad) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.connectionMap[quad]; ok {
		d.evict(quad)
	}
}

// Get returns the connection for quad, if any.
func (d *Demux) Get(quad Quad) (*Connection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.connectionMap[quad]
	return conn, ok
}

// Count returns the number of live connections.
func (d *Demux) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connectionMap)
}

// Sweep evicts connections whose TimeWait hold or idle timeout has expired.
// It is driven from the stack's housekeeping ticker.
func (d *Demux) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for quad, conn := range d.connectionMap {
		switch {
		case conn.TimeWaitExpired(now):
			d.evict(quad)
			log.Printf("Connection %s left TimeWait and was removed", quad)
		case conn.IdleExpired(now):
			conn.Abort()
			d.evict(quad)
			log.Printf("Connection %s idle-timed out and was removed", quad)
		}
	}
}
