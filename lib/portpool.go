package lib

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

// PortPool hands out ephemeral local port numbers for active opens. It is
// a ring over a random permutation of the configured range so consecutive
// connections do not get adjacent ports.
type PortPool struct {
	ports            []uint16
	capacity         int
	minPort, maxPort uint16
	readIdx          int
	writeIdx         int
	isFull, isEmpty  bool
	allocatedMap     map[uint16]time.Time
	mtx              sync.Mutex
}

func newPortPool(minPort, maxPort uint16) *PortPool {
	capacity := int(maxPort) - int(minPort) + 1

	perm := rand.Perm(capacity)
	ports := make([]uint16, capacity)
	for i, v := range perm {
		ports[i] = minPort + uint16(v)
	}

	return &PortPool{
		ports:        ports,
		capacity:     capacity,
		minPort:      minPort,
		maxPort:      maxPort,
		allocatedMap: make(map[uint16]time.Time),
	}
}

// allocatePort retrieves a random free port from the pool.
func (p *PortPool) allocatePort() (uint16, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.isEmpty {
		log.Println("Port allocation: port pool is empty. Cannot allocate")
		return 0, errPortPoolEmpty
	}

	port := p.ports[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false

	p.allocatedMap[port] = time.Now()
	return port, nil
}

// returnPort gives a port back to the pool once its connection is gone.
func (p *PortPool) returnPort(port uint16) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return fmt.Errorf("port %d out of pool range %d-%d", port, p.minPort, p.maxPort)
	}
	if _, ok := p.allocatedMap[port]; !ok {
		return fmt.Errorf("port %d was not allocated from this pool", port)
	}
	if p.isFull {
		return fmt.Errorf("port pool is full, cannot return more ports")
	}

	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false

	delete(p.allocatedMap, port)
	return nil
}
