package zone

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rumormill/pkg/rumor"
)

// Reachability is the answer of DirectlyReachable.
type Reachability int

const (
	Unreachable Reachability = iota
	Reachable
	// ReachableThrough means the other side is reached by routing through
	// a gateway in the returned zone.
	ReachableThrough
)

func (r Reachability) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case ReachableThrough:
		return "reachable_through"
	default:
		return "unreachable"
	}
}

type relationship int

const (
	relOther relationship = iota
	relOurselves
	relChild
	relParent
)

// List owns every zone this process knows about. Insert runs the repair
// pass under the list's write lock.
type List struct {
	mu               sync.RWMutex
	zones            map[uuid.UUID]Zone
	maintainedZoneID uuid.UUID
	ourZoneID        uuid.UUID
	update           uint64
	encode           rumor.EncodeFunc[*Zone]
	logger           *zap.Logger
}

func NewList(encode rumor.EncodeFunc[*Zone], logger *zap.Logger) *List {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &List{
		zones:  make(map[uuid.UUID]Zone),
		encode: encode,
		logger: logger,
	}
}

// SetMaintainedZoneID names the zone whose incarnation this process may bump.
func (l *List) SetMaintainedZoneID(id uuid.UUID) {
	l.mu.Lock()
	l.maintainedZoneID = id
	l.mu.Unlock()
}

// SetOurZoneID names the zone this process lives in.
func (l *List) SetOurZoneID(id uuid.UUID) {
	l.mu.Lock()
	l.ourZoneID = id
	l.mu.Unlock()
}

func (l *List) UpdateCounter() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.update
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.zones)
}

// Get returns a copy of the zone.
func (l *List) Get(id uuid.UUID) (Zone, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	z, ok := l.zones[id]
	if !ok {
		return Zone{}, false
	}
	return z.clone(), true
}

// WithZones calls fn for every zone under the read lock.
func (l *List) WithZones(fn func(*Zone)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, z := range l.zones {
		fn(&z)
	}
}

func (l *List) Encode(id uuid.UUID) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	z, ok := l.zones[id]
	if !ok {
		return nil, &rumor.NonExistentRumorError{ID: id.String()}
	}
	return l.encode(&z)
}

// Insert merges z into the list and repairs every zone the change
// touches. It returns the key of each zone that was rewritten; callers
// heat them all. A zone with an unknown id is repaired too, so it can
// emit keys for the aliases it names.
func (l *List) Insert(z *Zone) []rumor.Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := l.insert(z.clone())
	if len(keys) > 0 {
		l.update++
	}
	return keys
}

func (l *List) insert(z Zone) []rumor.Key {
	if z.ID == uuid.Nil {
		return nil
	}
	cur, ok := l.zones[z.ID]
	if !ok {
		return l.makeConsistent(z)
	}
	switch {
	case cur.Incarnation > z.Incarnation:
		return nil
	case cur.Incarnation < z.Incarnation:
		return l.makeConsistent(z)
	}

	switch {
	case z.Successor == uuid.Nil:
		z.Successor = cur.Successor
	case cur.Successor != uuid.Nil && less(z.Successor, cur.Successor):
		z.Predecessors = append(z.Predecessors, z.Successor)
		z.Successor = cur.Successor
	case cur.Successor != uuid.Nil && less(cur.Successor, z.Successor):
		z.Predecessors = append(z.Predecessors, cur.Successor)
	}
	preds := setOf(z.Predecessors)
	preds.add(cur.Predecessors...)
	z.Predecessors = preds.sorted()

	if cur.ParentZoneID != uuid.Nil {
		if z.ParentZoneID != uuid.Nil && !l.isAliasOf(z.ParentZoneID, cur.ParentZoneID) {
			l.logger.Warn("conflicting parent at equal incarnation, keeping current",
				zap.Stringer("zone", z.ID),
				zap.Stringer("current_parent", cur.ParentZoneID),
				zap.Stringer("incoming_parent", z.ParentZoneID))
		}
		z.ParentZoneID = cur.ParentZoneID
	}
	return l.makeConsistent(z)
}

// IsAliasOf reports whether a and b are the same zone or one directly
// names the other as successor or predecessor.
func (l *List) IsAliasOf(a, b uuid.UUID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isAliasOf(a, b)
}

func (l *List) isAliasOf(a, b uuid.UUID) bool {
	if a == b {
		return true
	}
	names := func(from, to uuid.UUID) bool {
		z, ok := l.zones[from]
		if !ok {
			return false
		}
		if z.Successor == to {
			return true
		}
		for _, p := range z.Predecessors {
			if p == to {
				return true
			}
		}
		return false
	}
	return names(a, b) || names(b, a)
}

// GatherAllAliasesOf returns id with its recorded successor and predecessors.
func (l *List) GatherAllAliasesOf(id uuid.UUID) []uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.aliasesOf(id).sorted()
}

func (l *List) aliasesOf(id uuid.UUID) idSet {
	out := idSet{id: {}}
	if z, ok := l.zones[id]; ok {
		if z.Successor != uuid.Nil {
			out.add(z.Successor)
		}
		out.add(z.Predecessors...)
	}
	return out
}

// DirectlyReachable decides whether a member of ours can talk to a
// member of theirs. When the link only exists through a gateway on their
// side, the result is ReachableThrough along with the gateway's zone.
func (l *List) DirectlyReachable(ours, theirs uuid.UUID, ourAddrs, theirAddrs []Address) (Reachability, uuid.UUID) {
	if ours == theirs {
		return Reachable, uuid.Nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	ourIDs := l.aliasesOf(ours)
	theirIDs := l.aliasesOf(theirs)
	if ourIDs.intersects(theirIDs) {
		return Reachable, uuid.Nil
	}
	for _, a := range ourAddrs {
		if theirIDs.has(a.ZoneID) {
			return Reachable, uuid.Nil
		}
	}
	for _, a := range theirAddrs {
		if ourIDs.has(a.ZoneID) {
			return ReachableThrough, a.ZoneID
		}
	}
	return Unreachable, uuid.Nil
}

func (l *List) relationshipTo(info *aliasInfo) (relationship, int) {
	if l.ourZoneID == uuid.Nil {
		return relOther, -1
	}
	ourAliases := l.aliasesOf(l.ourZoneID)
	if info.aliases.intersects(ourAliases) {
		return relOurselves, -1
	}
	our, ok := l.zones[l.ourZoneID]
	if !ok {
		return relOther, -1
	}
	if info.parents.intersects(ourAliases) {
		for i, child := range our.ChildZoneIDs {
			if info.aliases.has(child) {
				return relChild, i
			}
		}
		return relChild, -1
	}
	if info.children.intersects(ourAliases) {
		return relParent, -1
	}
	return relOther, -1
}

// makeConsistent repairs z's alias class, then fixes the links between
// that class and our own zone.
func (l *List) makeConsistent(z Zone) []rumor.Key {
	info := newAliasInfo(l, &z)
	var fixups []Zone

	rel, idx := l.relationshipTo(info)
	switch rel {
	case relOurselves:
		for _, id := range info.maxChildren.sorted() {
			child, ok := l.zones[id]
			if !ok || child.ParentZoneID == info.successor {
				continue
			}
			c := child.clone()
			c.ParentZoneID = info.successor
			fixups = append(fixups, c)
		}
		for _, id := range info.maxParents.sorted() {
			parent, ok := l.zones[id]
			if !ok {
				continue
			}
			found := -1
			for i, child := range parent.ChildZoneIDs {
				if info.aliases.has(child) {
					found = i
					break
				}
			}
			if found >= 0 && parent.ChildZoneIDs[found] == info.successor {
				continue
			}
			p := parent.clone()
			if found >= 0 {
				p.ChildZoneIDs[found] = info.successor
			} else {
				p.ChildZoneIDs = append(p.ChildZoneIDs, info.successor)
			}
			fixups = append(fixups, p)
		}
	case relChild:
		our := l.zones[l.ourZoneID]
		if idx >= 0 && our.ChildZoneIDs[idx] == info.successor {
			break
		}
		c := our.clone()
		if idx >= 0 {
			c.ChildZoneIDs[idx] = info.successor
		} else {
			c.ChildZoneIDs = append(c.ChildZoneIDs, info.successor)
		}
		fixups = append(fixups, c)
	case relParent:
		our := l.zones[l.ourZoneID]
		if our.ParentZoneID != info.successor {
			c := our.clone()
			c.ParentZoneID = info.successor
			fixups = append(fixups, c)
		}
	}

	keys := l.rewrite(z, info)
	for _, f := range fixups {
		keys = append(keys, l.rewrite(f, newAliasInfo(l, &f))...)
	}
	return keys
}

// rewrite brings every zone of the alias class in line with info and
// stores the ones that changed.
func (l *List) rewrite(z Zone, info *aliasInfo) []rumor.Key {
	parent := z.ParentZoneID
	switch len(info.maxParents) {
	case 0:
	case 1:
		for id := range info.maxParents {
			parent = id
		}
	default:
		l.logger.Warn("zone has unrelated parents, keeping its own",
			zap.Stringer("zone", z.ID),
			zap.Stringers("parents", info.maxParents.sorted()),
			zap.Stringer("parent", z.ParentZoneID))
	}

	var keys []rumor.Key
	for _, id := range info.aliases.sorted() {
		changed, fresh := false, false
		other, ok := l.zones[id]
		switch {
		case ok && id == z.ID && other.Incarnation != z.Incarnation:
			other = z.clone()
			changed = true
		case ok:
			other = other.clone()
		case id == z.ID:
			other = z.clone()
			changed, fresh = true, true
		default:
			continue
		}

		switch {
		case id == info.successor && other.Successor != uuid.Nil:
			// The canonical zone has no successor.
			other.Successor = uuid.Nil
			changed = true
		case id != info.successor && (other.Successor == uuid.Nil || less(other.Successor, info.successor)):
			other.Successor = info.successor
			changed = true
		}

		switch {
		case parent == uuid.Nil:
			if other.ParentZoneID != uuid.Nil {
				l.logger.Debug("zone lost its parent, keeping it", zap.Stringer("zone", id))
			}
		case other.ParentZoneID == uuid.Nil || less(other.ParentZoneID, parent):
			other.ParentZoneID = parent
			changed = true
		}

		preds := make(idSet, len(info.predecessors))
		for p := range info.predecessors {
			if p != id {
				preds.add(p)
			}
		}
		if hasExtra(preds, setOf(other.Predecessors)) {
			other.Predecessors = preds.sorted()
			changed = true
		}

		if !equalSets(info.maxChildren, setOf(other.ChildZoneIDs)) {
			other.ChildZoneIDs = info.maxChildren.sorted()
			changed = true
		}

		if !changed {
			continue
		}
		if !fresh && l.maintainedZoneID != uuid.Nil && other.ID == l.maintainedZoneID {
			other.Incarnation++
		}
		keys = append(keys, other.RumorKey())
		l.zones[id] = other
	}
	return keys
}
