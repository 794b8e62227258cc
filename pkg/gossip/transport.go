package gossip

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Transport pushes a batch of encoded rumors to the member listening at addr.
type Transport interface {
	Push(ctx context.Context, addr string, rumors [][]byte) error
}

// Receiver accepts a batch pushed by the member from.
type Receiver interface {
	Deliver(from string, rumors [][]byte)
}

// LocalNetwork connects servers inside one process. Pushes are delivered
// synchronously on the caller's goroutine.
type LocalNetwork struct {
	mu    sync.RWMutex
	nodes map[string]Receiver
	down  map[string]bool
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		nodes: make(map[string]Receiver),
		down:  make(map[string]bool),
	}
}

func (n *LocalNetwork) Register(addr string, r Receiver) {
	n.mu.Lock()
	n.nodes[addr] = r
	n.mu.Unlock()
}

// SetDown makes pushes to addr fail until it is set up again.
func (n *LocalNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	n.down[addr] = down
	n.mu.Unlock()
}

// Transport returns a Transport that sends as fromID.
func (n *LocalNetwork) Transport(fromID string) Transport {
	return &localTransport{net: n, from: fromID}
}

type localTransport struct {
	net  *LocalNetwork
	from string
}

func (t *localTransport) Push(ctx context.Context, addr string, rumors [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.net.mu.RLock()
	r, ok := t.net.nodes[addr]
	down := t.net.down[addr]
	t.net.mu.RUnlock()
	if !ok || down {
		return fmt.Errorf("local network: no route to %s", addr)
	}
	batch := make([][]byte, len(rumors))
	for i, b := range rumors {
		batch[i] = slices.Clone(b)
	}
	r.Deliver(t.from, batch)
	return nil
}
