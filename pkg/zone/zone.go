// Package zone tracks hierarchical routing domains and keeps their
// parent, child and alias links consistent as zone rumors arrive.
//
// Zones that were merged or renamed form an alias class through their
// Successor and Predecessors links; the class is represented by its
// largest id.
package zone

import (
	"bytes"
	"slices"

	"github.com/google/uuid"

	"github.com/ryandielhenn/rumormill/pkg/rumor"
)

// Zone is one routing domain. uuid.Nil in ParentZoneID or Successor
// means the link is absent.
type Zone struct {
	ID           uuid.UUID
	Incarnation  uint64
	MaintainerID string
	ParentZoneID uuid.UUID
	ChildZoneIDs []uuid.UUID
	Successor    uuid.UUID
	Predecessors []uuid.UUID
}

// New returns a zone maintained by maintainerID.
func New(id uuid.UUID, maintainerID string) *Zone {
	return &Zone{ID: id, MaintainerID: maintainerID}
}

func (z *Zone) Kind() rumor.Type { return rumor.TypeZone }

// RumorKey is the key zone rumors are heated under. Zones have no group.
func (z *Zone) RumorKey() rumor.Key {
	return rumor.Key{Kind: rumor.TypeZone, ID: z.ID.String()}
}

func (z *Zone) clone() Zone {
	c := *z
	c.ChildZoneIDs = slices.Clone(z.ChildZoneIDs)
	c.Predecessors = slices.Clone(z.Predecessors)
	return c
}

// Address is a zone-scoped address a member advertises.
type Address struct {
	ZoneID     uuid.UUID
	Address    string
	SwimPort   int32
	GossipPort int32
	Tag        string
}

func less(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

type idSet map[uuid.UUID]struct{}

func (s idSet) add(ids ...uuid.UUID) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s idSet) has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

func (s idSet) intersects(o idSet) bool {
	for id := range s {
		if o.has(id) {
			return true
		}
	}
	return false
}

// sorted returns the ids in ascending order.
func (s idSet) sorted() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids
}

func setOf(ids []uuid.UUID) idSet {
	s := make(idSet, len(ids))
	s.add(ids...)
	return s
}

// equalSets reports whether a and b hold the same ids.
func equalSets(a, b idSet) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b.has(id) {
			return false
		}
	}
	return true
}

// hasExtra reports whether a holds an id b does not.
func hasExtra(a, b idSet) bool {
	for id := range a {
		if !b.has(id) {
			return true
		}
	}
	return false
}
