package gossip

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/rumormill/pkg/rumor"
	"github.com/ryandielhenn/rumormill/pkg/zone"
)

// The Handle methods make Server a wire.Handler. Each merges one inbound
// rumor and heats whatever changed.

func (s *Server) HandleMembership(from string, m *rumor.Membership) {
	in := *m
	id := in.Member.ID

	if id == s.MemberID() {
		s.mu.Lock()
		switch {
		case in.Health != rumor.Alive && in.Member.Incarnation >= s.me.Incarnation && !s.me.Departed:
			s.me.Incarnation = in.Member.Incarnation + 1
			s.logger.Info("refuting rumor about ourselves",
				zap.String("from", from),
				zap.Stringer("health", in.Health),
				zap.Uint64("incarnation", s.me.Incarnation))
			in = rumor.Membership{Member: s.me, Health: rumor.Alive}
		case in.Health == rumor.Alive && in.Member.Incarnation > s.me.Incarnation:
			s.me.Incarnation = in.Member.Incarnation
		}
		s.mu.Unlock()
	}

	if !s.members.Insert(&in) {
		return
	}
	if id != s.MemberID() {
		if in.Health == rumor.Departed {
			s.forget(id)
		} else {
			s.mu.Lock()
			delete(s.purged, id)
			s.mu.Unlock()
		}
	}
	s.heat.StartHotRumor(rumor.KeyOf(&in))
}

// HandleService inserts a service rumor. A new member joining a group
// that has lost quorum departs the group's Confirmed member with the
// smallest id, so dead members cannot hold quorum hostage.
func (s *Server) HandleService(from string, svc *rumor.Service) {
	key := rumor.KeyOf(svc)
	joining := s.services.ContainsGroupWithoutMember(svc.ServiceGroup, svc.MemberID)

	if !s.services.Insert(svc) {
		return
	}
	if joining && !s.checkQuorum(svc.ServiceGroup) {
		confirmed := s.membersWithHealth(rumor.Confirmed)
		id, ok := s.services.MinMemberIDWith(svc.ServiceGroup, func(o *rumor.Service) bool {
			return confirmed[o.MemberID]
		})
		if ok {
			s.logger.Warn("departing confirmed member to restore quorum",
				zap.String("service_group", svc.ServiceGroup),
				zap.String("member", id))
			s.markDeparted(id)
		}
	}
	s.heat.StartHotRumor(key)
}

func (s *Server) HandleServiceConfig(from string, sc *rumor.ServiceConfig) {
	if s.serviceConfigs.Insert(sc) {
		s.heat.StartHotRumor(rumor.KeyOf(sc))
	}
}

func (s *Server) HandleServiceFile(from string, sf *rumor.ServiceFile) {
	if s.serviceFiles.Insert(sf) {
		s.heat.StartHotRumor(rumor.KeyOf(sf))
	}
}

func (s *Server) HandleElection(from string, e *rumor.Election) {
	insertElection(s, s.elections, e,
		func(e *rumor.Election) *rumor.Election { return e },
		s.StartElection)
}

func (s *Server) HandleElectionUpdate(from string, e *rumor.ElectionUpdate) {
	insertElection(s, s.updates, e,
		func(u *rumor.ElectionUpdate) *rumor.Election { return &u.Election },
		func(group string, term uint64) { s.StartUpdateElection(group, 0, term) })
}

func (s *Server) HandleDeparture(from string, d *rumor.Departure) {
	if d.MemberID == s.MemberID() {
		s.departed.Store(true)
		s.logger.Warn("received our own departure", zap.String("from", from))
	}
	s.markDeparted(d.MemberID)
	if s.departures.Insert(d) {
		s.heat.StartHotRumor(rumor.KeyOf(d))
	}
}

// HandleZone merges a zone and heats every zone the repair pass rewrote.
func (s *Server) HandleZone(from string, z *zone.Zone) {
	for _, key := range s.zones.Insert(z) {
		s.heat.StartHotRumor(key)
	}
}
