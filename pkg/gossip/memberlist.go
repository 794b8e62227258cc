package gossip

import (
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/ryandielhenn/rumormill/pkg/rumor"
)

// membership returns a copy of the stored rumor for id.
func (s *Server) membership(id string) (rumor.Membership, bool) {
	var (
		cur   rumor.Membership
		found bool
	)
	s.members.WithRumor(rumor.MemberGroup, id, func(m *rumor.Membership, ok bool) {
		if ok {
			cur, found = *m, true
		}
	})
	return cur, found
}

// HealthOf returns the health last recorded for id.
func (s *Server) HealthOf(id string) (rumor.Health, bool) {
	m, ok := s.membership(id)
	return m.Health, ok
}

// membersWithHealth returns the ids of every member currently at h.
func (s *Server) membersWithHealth(h rumor.Health) map[string]bool {
	ids := make(map[string]bool)
	s.members.WithRumors(rumor.MemberGroup, func(m *rumor.Membership) {
		if m.Health == h {
			ids[m.Member.ID] = true
		}
	})
	return ids
}

// SetHealth records the failure detector's verdict on a member at its
// current incarnation. Only a worsening verdict changes anything; a
// suspected member clears itself by refuting with a higher incarnation.
func (s *Server) SetHealth(id string, h rumor.Health) bool {
	if id == s.MemberID() {
		return false
	}
	if h == rumor.Departed {
		return s.markDeparted(id)
	}
	cur, ok := s.membership(id)
	if !ok {
		return false
	}
	cur.Health = h
	if !s.members.Insert(&cur) {
		return false
	}
	s.logger.Info("member health changed", zap.String("member", id), zap.Stringer("health", h))
	s.heat.StartHotRumor(rumor.KeyOf(&cur))
	return true
}

// AddSeed records a peer found through discovery or configuration, so the
// next round has somewhere to push. addr is the peer's gossip host:port.
func (s *Server) AddSeed(id, addr string) error {
	if id == s.MemberID() {
		return nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("seed %s: %w", id, err)
	}
	p, err := strconv.ParseInt(port, 10, 32)
	if err != nil {
		return fmt.Errorf("seed %s: port %q: %w", id, port, err)
	}
	if s.members.ContainsRumor(rumor.MemberGroup, id) {
		return nil
	}
	s.members.Insert(&rumor.Membership{
		Member: rumor.Member{ID: id, Address: host, GossipPort: int32(p)},
		Health: rumor.Alive,
	})
	if s.cfg.Detector != nil {
		s.cfg.Detector.Observe(id, s.cfg.Now())
	}
	return nil
}

// Leave announces that this member is departing for good.
func (s *Server) Leave() {
	s.mu.Lock()
	s.me.Incarnation++
	s.me.Departed = true
	me := s.me
	s.mu.Unlock()

	m := &rumor.Membership{Member: me, Health: rumor.Departed}
	s.members.Insert(m)
	s.heat.StartHotRumor(rumor.KeyOf(m))
}

// markDeparted moves id to Departed at its current incarnation and forgets it.
func (s *Server) markDeparted(id string) bool {
	cur, ok := s.membership(id)
	if !ok {
		cur = rumor.Membership{Member: rumor.Member{ID: id}}
	}
	cur.Health = rumor.Departed
	cur.Member.Departed = true
	changed := s.members.Insert(&cur)
	s.forget(id)
	s.heat.StartHotRumor(rumor.KeyOf(&cur))
	return changed
}

// forget drops a departed member's service rumors and its heat, once.
func (s *Server) forget(id string) {
	s.mu.Lock()
	if s.purged[id] {
		s.mu.Unlock()
		return
	}
	s.purged[id] = true
	s.mu.Unlock()

	var groups []string
	s.services.WithKeys(func(group string, members map[string]*rumor.Service) {
		if _, ok := members[id]; ok {
			groups = append(groups, group)
		}
	})
	for _, g := range groups {
		s.services.Remove(g, id)
	}
	s.heat.Purge(id)
	if s.cfg.Detector != nil {
		s.cfg.Detector.Remove(id)
	}
	s.metrics.PurgedMembers.Inc()
	s.logger.Info("member departed", zap.String("member", id), zap.Int("services_removed", len(groups)))
}

// electorate lists the alive members serving group.
func (s *Server) electorate(group string) []string {
	var ids []string
	for _, id := range s.serviceMembers(group) {
		if h, ok := s.HealthOf(id); ok && h == rumor.Alive {
			ids = append(ids, id)
		}
	}
	return ids
}

// population lists the members serving group that count toward quorum.
func (s *Server) population(group string) []string {
	var ids []string
	for _, id := range s.serviceMembers(group) {
		if h, ok := s.HealthOf(id); ok && h != rumor.Departed {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Server) serviceMembers(group string) []string {
	var ids []string
	s.services.WithRumors(group, func(svc *rumor.Service) {
		ids = append(ids, svc.MemberID)
	})
	return ids
}

// checkQuorum reports whether a majority of group's non-departed members
// are alive.
func (s *Server) checkQuorum(group string) bool {
	alive, total := len(s.electorate(group)), len(s.population(group))
	ok := alive > total/2
	s.logger.Debug("check quorum",
		zap.String("service_group", group),
		zap.Int("alive", alive),
		zap.Int("total", total),
		zap.Bool("quorum", ok))
	return ok
}
