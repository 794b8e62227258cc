package gossip

import (
	"sort"

	"github.com/ryandielhenn/rumormill/pkg/rumor"
)

type CensusMember struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	GossipPort  int32  `json:"gossip_port"`
	Incarnation uint64 `json:"incarnation"`
	Health      string `json:"health"`
}

type CensusService struct {
	MemberID    string `json:"member_id"`
	Incarnation uint64 `json:"incarnation"`
	Pkg         string `json:"pkg,omitempty"`
	Initialized bool   `json:"initialized"`
	Leader      bool   `json:"leader"`
}

type CensusGroup struct {
	Name           string          `json:"name"`
	Services       []CensusService `json:"services"`
	Leader         string          `json:"leader,omitempty"`
	ElectionStatus string          `json:"election_status,omitempty"`
	ElectionTerm   uint64          `json:"election_term"`
	UpdateLeader   string          `json:"update_leader,omitempty"`
	ConfigVersion  uint64          `json:"config_incarnation,omitempty"`
}

// Census is a point-in-time view of the cluster as this member sees it.
type Census struct {
	MemberID string         `json:"member_id"`
	Members  []CensusMember `json:"members"`
	Groups   []CensusGroup  `json:"service_groups"`
}

func (s *Server) Census() Census {
	c := Census{MemberID: s.MemberID()}

	s.members.WithRumors(rumor.MemberGroup, func(m *rumor.Membership) {
		c.Members = append(c.Members, CensusMember{
			ID:          m.Member.ID,
			Address:     m.Member.Address,
			GossipPort:  m.Member.GossipPort,
			Incarnation: m.Member.Incarnation,
			Health:      m.Health.String(),
		})
	})
	sort.Slice(c.Members, func(i, j int) bool { return c.Members[i].ID < c.Members[j].ID })

	groups := map[string]*CensusGroup{}
	s.services.WithKeys(func(name string, members map[string]*rumor.Service) {
		g := &CensusGroup{Name: name}
		for _, svc := range members {
			g.Services = append(g.Services, CensusService{
				MemberID:    svc.MemberID,
				Incarnation: svc.Incarnation,
				Pkg:         svc.Pkg,
				Initialized: svc.Initialized,
			})
		}
		sort.Slice(g.Services, func(i, j int) bool { return g.Services[i].MemberID < g.Services[j].MemberID })
		groups[name] = g
	})

	for name, g := range groups {
		s.elections.WithRumor(name, rumor.ElectionID, func(e *rumor.Election, ok bool) {
			if !ok {
				return
			}
			g.ElectionStatus = e.Status.String()
			g.ElectionTerm = e.Term
			if e.IsFinished() {
				g.Leader = e.MemberID
			}
		})
		s.updates.WithRumor(name, rumor.ElectionID, func(e *rumor.ElectionUpdate, ok bool) {
			if ok && e.IsFinished() {
				g.UpdateLeader = e.MemberID
			}
		})
		s.serviceConfigs.WithRumor(name, rumor.ServiceConfigID, func(sc *rumor.ServiceConfig, ok bool) {
			if ok {
				g.ConfigVersion = sc.Incarnation
			}
		})
		for i := range g.Services {
			g.Services[i].Leader = g.Leader != "" && g.Services[i].MemberID == g.Leader
		}
		c.Groups = append(c.Groups, *g)
	}
	sort.Slice(c.Groups, func(i, j int) bool { return c.Groups[i].Name < c.Groups[j].Name })
	return c
}
