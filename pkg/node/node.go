package node

import (
	"github.com/ryandielhenn/rumormill/pkg/gossip"
)

// Node exposes a gossip server over HTTP.
type Node struct {
	srv  *gossip.Server
	addr string
}

func NewNode(srv *gossip.Server, addr string) *Node {
	return &Node{srv: srv, addr: addr}
}

// AddPeer seeds the gossip server with a discovered peer.
func (n *Node) AddPeer(id, hostport string) error {
	return n.srv.AddSeed(id, hostport)
}

func (n *Node) Addr() string {
	return n.addr
}
