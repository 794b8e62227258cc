package gossip

import (
	"slices"

	"go.uber.org/zap"

	"github.com/ryandielhenn/rumormill/pkg/rumor"
)

func (s *Server) suitability(group string) uint64 {
	if s.cfg.Suitability == nil {
		return 0
	}
	return s.cfg.Suitability(group)
}

// StartElection enters this member as a candidate for group's leader.
func (s *Server) StartElection(group string, term uint64) {
	quorum := s.checkQuorum(group)
	e := rumor.NewElection(s.MemberID(), group, term, s.suitability(group), quorum)
	if !quorum {
		s.logger.Warn("starting election without quorum", zap.String("service_group", group), zap.Uint64("term", term))
	}
	s.heat.StartHotRumor(rumor.KeyOf(e))
	s.elections.Insert(e)
}

// StartUpdateElection is StartElection for the update election, with an
// explicit suitability.
func (s *Server) StartUpdateElection(group string, suitability, term uint64) {
	quorum := s.checkQuorum(group)
	e := rumor.NewElectionUpdate(s.MemberID(), group, term, suitability, quorum)
	if !quorum {
		s.logger.Warn("starting update election without quorum", zap.String("service_group", group), zap.Uint64("term", term))
	}
	s.heat.StartHotRumor(rumor.KeyOf(e))
	s.updates.Insert(e)
}

// insertElection merges an inbound election of either kind. view exposes
// the Election inside r; start begins a fresh election of the same kind.
//
// For a group we serve, a missing or older election starts our own
// candidacy first, so the merge below casts our vote for whichever
// candidate wins. If we are the candidate and hold the votes of every
// alive member, the election is finished.
func insertElection[T rumor.Rumor[T]](s *Server, store *rumor.Store[T], r T, view func(T) *rumor.Election, start func(group string, term uint64)) {
	e := view(r)
	key := rumor.KeyOf(r)
	group := e.ServiceGroup

	if s.services.ContainsRumor(group, s.MemberID()) {
		if store.ContainsRumor(group, rumor.ElectionID) {
			newTerm := false
			store.WithRumor(group, rumor.ElectionID, func(cur T, ok bool) {
				newTerm = ok && e.Term > view(cur).Term
			})
			if newTerm {
				s.logger.Debug("newer election term, restarting", zap.String("service_group", group), zap.Uint64("term", e.Term))
				store.Remove(group, rumor.ElectionID)
				start(group, e.Term)
			}
			if e.MemberID == s.MemberID() {
				if s.checkQuorum(group) {
					electorate := s.electorate(group)
					votes := 0
					for _, v := range e.Votes {
						if slices.Contains(electorate, v) {
							votes++
						}
					}
					if votes == len(electorate) {
						e.Finish()
						s.metrics.ElectionsDone.WithLabelValues(group).Inc()
						s.logger.Info("election finished",
							zap.String("service_group", group),
							zap.Stringer("kind", key.Kind),
							zap.Uint64("term", e.Term))
					} else {
						s.logger.Debug("election has quorum but is not finished",
							zap.String("service_group", group),
							zap.Int("votes", votes),
							zap.Int("electorate", len(electorate)))
					}
				} else {
					e.NoQuorum()
					s.logger.Warn("election lacks quorum", zap.String("service_group", group), zap.Uint64("term", e.Term))
				}
			}
		} else {
			start(group, e.Term)
		}
		if !e.IsFinished() {
			if s.checkQuorum(group) {
				e.Running()
			} else {
				e.NoQuorum()
			}
		}
	}

	if store.Insert(r) {
		s.heat.StartHotRumor(key)
	}
}

// RestartElections starts a new term for every group we serve whose
// finished election has lost its leader: either we lead and have lost
// quorum, or the leader is Confirmed dead or unknown.
func (s *Server) RestartElections() {
	for _, t := range electionsToRestart(s, s.elections, func(e *rumor.Election) *rumor.Election { return e }) {
		s.logger.Warn("restarting election", zap.String("service_group", t.group), zap.Uint64("term", t.term))
		s.elections.Remove(t.group, rumor.ElectionID)
		s.StartElection(t.group, t.term)
	}
	for _, t := range electionsToRestart(s, s.updates, func(u *rumor.ElectionUpdate) *rumor.Election { return &u.Election }) {
		s.logger.Warn("restarting update election", zap.String("service_group", t.group), zap.Uint64("term", t.term))
		s.updates.Remove(t.group, rumor.ElectionID)
		s.StartUpdateElection(t.group, 0, t.term)
	}
}

type restart struct {
	group string
	term  uint64
}

func electionsToRestart[T rumor.Rumor[T]](s *Server, store *rumor.Store[T], view func(T) *rumor.Election) []restart {
	type finished struct {
		group, leader string
		term          uint64
	}
	var candidates []finished
	store.WithKeys(func(group string, rumors map[string]T) {
		r, ok := rumors[rumor.ElectionID]
		if !ok {
			return
		}
		if e := view(r); e.IsFinished() {
			candidates = append(candidates, finished{group, e.MemberID, e.Term})
		}
	})

	var out []restart
	for _, c := range candidates {
		if !s.services.ContainsRumor(c.group, s.MemberID()) {
			continue
		}
		if c.leader == s.MemberID() {
			if !s.checkQuorum(c.group) {
				out = append(out, restart{c.group, c.term + 1})
			}
			continue
		}
		h, ok := s.HealthOf(c.leader)
		if !ok || h >= rumor.Confirmed {
			out = append(out, restart{c.group, c.term + 1})
		}
	}
	return out
}
