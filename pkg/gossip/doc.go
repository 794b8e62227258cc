// Package gossip implements rumormill's membership and rumor engine. A
// Server owns one rumor.Store per rumor kind, the zone list and the heat
// tracker. Inbound rumors are merged into the stores; every rumor that
// changed something is made hot and pushed to a few random peers on each
// round until it has been shared often enough.
//
// Typical usage:
//
//	s := gossip.New(gossip.Config{Member: me, Transport: t})
//	s.Start(ctx)
//	defer s.Stop()
//
// Tests run servers over a LocalNetwork; production deployments use the
// gRPC transport in internal/transport.
package gossip
