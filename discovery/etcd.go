// Package discovery registers members in etcd and reports the peers
// registered there, so a fresh member has somewhere to gossip.
package discovery

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const Prefix = "/rumormill/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode publishes id -> addr under a lease of ttl seconds and keeps
// the lease alive until the returned cancel func is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("discovery: grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Prefix+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("discovery: register %s: %w", id, err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers returns every registered member id and its address.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	peers, _, err := listPeers(ctx, cli)
	return peers, err
}

func listPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: list peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id, ok := peerID(kv.Key); ok {
			peers[id] = string(kv.Value)
		}
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls fn with the full peer map once at start and again after
// every change, until ctx is done. It blocks.
func WatchPeers(ctx context.Context, cli *clientv3.Client, logger *zap.Logger, fn func(map[string]string)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	peers, rev, err := listPeers(ctx, cli)
	if err != nil {
		return err
	}
	fn(maps.Clone(peers))

	wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for wr := range wch {
		if err := wr.Err(); err != nil {
			logger.Error("watch peers", zap.Error(err))
			continue
		}
		changed := false
		for _, ev := range wr.Events {
			changed = applyEvent(peers, ev) || changed
		}
		if changed {
			fn(maps.Clone(peers))
		}
	}
	return ctx.Err()
}

func applyEvent(peers map[string]string, ev *clientv3.Event) bool {
	id, ok := peerID(ev.Kv.Key)
	if !ok {
		return false
	}
	switch ev.Type {
	case mvccpb.PUT:
		if cur, ok := peers[id]; ok && cur == string(ev.Kv.Value) {
			return false
		}
		peers[id] = string(ev.Kv.Value)
		return true
	case mvccpb.DELETE:
		if _, ok := peers[id]; !ok {
			return false
		}
		delete(peers, id)
		return true
	}
	return false
}

func peerID(key []byte) (string, bool) {
	id, ok := strings.CutPrefix(string(key), Prefix)
	return id, ok && id != "" && !strings.Contains(id, "/")
}
