package zone

import "github.com/google/uuid"

// aliasGroups partitions a set of ids into alias classes.
type aliasGroups struct {
	groups [][]uuid.UUID
	index  map[uuid.UUID]int
}

func newAliasGroups() *aliasGroups {
	return &aliasGroups{index: make(map[uuid.UUID]int)}
}

func (g *aliasGroups) ensure(id uuid.UUID) int {
	if idx, ok := g.index[id]; ok {
		return idx
	}
	idx := len(g.groups)
	g.groups = append(g.groups, []uuid.UUID{id})
	g.index[id] = idx
	return idx
}

func (g *aliasGroups) same(a, b uuid.UUID) bool {
	ia, okA := g.index[a]
	ib, okB := g.index[b]
	return okA && okB && ia == ib
}

// join puts b, and everything already grouped with b, into a's group.
func (g *aliasGroups) join(a, b uuid.UUID) {
	ia := g.ensure(a)
	ib, ok := g.index[b]
	if !ok {
		g.groups[ia] = append(g.groups[ia], b)
		g.index[b] = ia
		return
	}
	if ia == ib {
		return
	}
	moved := g.groups[ib]
	g.groups[ib] = nil
	for _, id := range moved {
		g.groups[ia] = append(g.groups[ia], id)
		g.index[id] = ia
	}
}

// canonical returns one id per group: the group's largest id, or that
// zone's recorded successor when the list knows a larger one.
func (g *aliasGroups) canonical(l *List) idSet {
	out := make(idSet, len(g.groups))
	for _, group := range g.groups {
		if len(group) == 0 {
			continue
		}
		top := group[0]
		for _, id := range group[1:] {
			if less(top, id) {
				top = id
			}
		}
		if z, ok := l.zones[top]; ok && z.Successor != uuid.Nil && less(top, z.Successor) {
			top = z.Successor
		}
		out.add(top)
	}
	return out
}

// aliasInfo is everything the repair pass learns about one alias class.
type aliasInfo struct {
	aliases      idSet
	parents      idSet
	children     idSet
	successor    uuid.UUID
	predecessors idSet
	maxChildren  idSet
	maxParents   idSet
}

// collect records z's links and returns the alias ids it points at.
func (a *aliasInfo) collect(z *Zone) []uuid.UUID {
	var next []uuid.UUID
	a.aliases.add(z.ID)
	if z.Successor != uuid.Nil {
		next = append(next, z.Successor)
	}
	if z.ParentZoneID != uuid.Nil {
		a.parents.add(z.ParentZoneID)
	}
	next = append(next, z.Predecessors...)
	a.aliases.add(next...)
	a.children.add(z.ChildZoneIDs...)
	return next
}

// newAliasInfo walks the alias graph from z breadth first. z itself is
// taken as given; every other zone is read from the list.
func newAliasInfo(l *List, z *Zone) *aliasInfo {
	info := &aliasInfo{
		aliases:   make(idSet),
		parents:   make(idSet),
		children:  make(idSet),
		successor: z.ID,
	}

	queue := info.collect(z)
	visited := idSet{z.ID: {}}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited.has(id) {
			continue
		}
		visited.add(id)
		if less(info.successor, id) {
			info.successor = id
		}
		if other, ok := l.zones[id]; ok {
			queue = append(queue, info.collect(&other)...)
		}
	}

	info.predecessors = make(idSet)
	for id := range info.aliases {
		if less(id, info.successor) {
			info.predecessors.add(id)
		}
	}
	info.maxChildren = l.collapseAliases(info.children)
	info.maxParents = l.collapseAliases(info.parents)
	return info
}

// collapseAliases reduces ids to one canonical id per alias class.
func (l *List) collapseAliases(ids idSet) idSet {
	if len(ids) == 0 {
		return make(idSet)
	}
	list := ids.sorted()
	g := newAliasGroups()
	g.ensure(list[0])
	for i := 0; i < len(list)-1; i++ {
		for j := i + 1; j < len(list); j++ {
			a, b := list[i], list[j]
			if g.same(a, b) {
				continue
			}
			if l.isAliasOf(a, b) {
				g.join(a, b)
			} else {
				g.ensure(b)
			}
		}
	}
	return g.canonical(l)
}
