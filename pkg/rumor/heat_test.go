package rumor

import (
	"fmt"
	"slices"
	"sync"
	"testing"
)

type fixedLimit int

func (l fixedLimit) RumorShareLimit() int { return int(l) }

func serviceKey(member string) Key {
	return Key{Kind: TypeService, ID: member, Key: "redis.default"}
}

func memberKey(member string) Key {
	return Key{Kind: TypeMember, ID: member, Key: "member"}
}

func TestNewRumorIsHotForEveryone(t *testing.T) {
	h := NewHeat(nil, nil)
	k := serviceKey("m1")
	h.StartHotRumor(k)

	for _, m := range []string{"a", "b", "c"} {
		if got := h.CurrentlyHotRumors(m); !slices.Equal(got, []Key{k}) {
			t.Fatalf("CurrentlyHotRumors(%s) = %v, want [%v]", m, got, k)
		}
	}
}

func TestRumorCoolsAtShareLimit(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		h := NewHeat(fixedLimit(limit), nil)
		k := serviceKey("m1")
		h.StartHotRumor(k)

		for range limit - 1 {
			h.CoolRumors("peer", []Key{k})
		}
		if got := h.CurrentlyHotRumors("peer"); len(got) != 1 {
			t.Fatalf("limit %d: cooled %d times, hot = %v, want still hot", limit, limit-1, got)
		}
		h.CoolRumors("peer", []Key{k})
		if got := h.CurrentlyHotRumors("peer"); len(got) != 0 {
			t.Fatalf("limit %d: cooled %d times, hot = %v, want cold", limit, limit, got)
		}
	}
}

func TestDefaultShareLimit(t *testing.T) {
	for _, l := range []ShareLimiter{nil, fixedLimit(0), fixedLimit(-3)} {
		h := NewHeat(l, nil)
		k := serviceKey("m1")
		h.StartHotRumor(k)
		h.CoolRumors("peer", []Key{k})
		if len(h.CurrentlyHotRumors("peer")) != 1 {
			t.Fatalf("limiter %v: rumor cold after one send, want default limit %d", l, DefaultShareLimit)
		}
		h.CoolRumors("peer", []Key{k})
		if len(h.CurrentlyHotRumors("peer")) != 0 {
			t.Fatalf("limiter %v: rumor hot after two sends", l)
		}
	}
}

func TestHeatIsPerMember(t *testing.T) {
	h := NewHeat(nil, nil)
	k := serviceKey("m1")
	h.StartHotRumor(k)
	h.CoolRumors("a", []Key{k})
	h.CoolRumors("a", []Key{k})

	if got := h.CurrentlyHotRumors("a"); len(got) != 0 {
		t.Fatalf("CurrentlyHotRumors(a) = %v, want none", got)
	}
	if got := h.CurrentlyHotRumors("b"); !slices.Equal(got, []Key{k}) {
		t.Fatalf("CurrentlyHotRumors(b) = %v, want [%v]", got, k)
	}
}

func TestStartHotRumorReheats(t *testing.T) {
	h := NewHeat(nil, nil)
	k := serviceKey("m1")
	h.StartHotRumor(k)
	for _, m := range []string{"a", "b"} {
		h.CoolRumors(m, []Key{k, k})
		h.CoolRumors(m, []Key{k})
	}
	if len(h.CurrentlyHotRumors("a")) != 0 {
		t.Fatalf("precondition: rumor still hot for a")
	}

	h.StartHotRumor(k)
	for _, m := range []string{"a", "b", "never-seen"} {
		if got := h.CurrentlyHotRumors(m); !slices.Equal(got, []Key{k}) {
			t.Fatalf("after restart CurrentlyHotRumors(%s) = %v", m, got)
		}
	}
}

func TestHotRumorsWarmestFirst(t *testing.T) {
	h := NewHeat(fixedLimit(3), nil)
	never, once, twice := serviceKey("never"), serviceKey("once"), serviceKey("twice")
	for _, k := range []Key{never, once, twice} {
		h.StartHotRumor(k)
	}
	h.CoolRumors("peer", []Key{once, twice})
	h.CoolRumors("peer", []Key{twice})

	got := h.CurrentlyHotRumors("peer")
	want := []Key{twice, once, never}
	if !slices.Equal(got, want) {
		t.Fatalf("CurrentlyHotRumors = %v, want %v", got, want)
	}
}

func TestHotRumorsOrderWithDefaultLimit(t *testing.T) {
	h := NewHeat(nil, nil)
	never, once := serviceKey("never"), serviceKey("once")
	h.StartHotRumor(never)
	h.StartHotRumor(once)
	h.CoolRumors("peer", []Key{once})

	if got := h.CurrentlyHotRumors("peer"); !slices.Equal(got, []Key{once, never}) {
		t.Fatalf("CurrentlyHotRumors = %v, want [once never]", got)
	}
}

func TestCoolUntrackedRumorIsIgnored(t *testing.T) {
	h := NewHeat(nil, nil)
	h.CoolRumors("peer", []Key{serviceKey("gone")})
	if h.Len() != 0 {
		t.Fatalf("Len = %d, want 0: cooling must not start tracking", h.Len())
	}
}

func TestPurge(t *testing.T) {
	h := NewHeat(nil, nil)
	members := []string{"m1", "m2", "m3"}

	for _, m := range members {
		h.StartHotRumor(serviceKey(m))
		h.StartHotRumor(memberKey(m))
	}
	for _, m := range members {
		for _, other := range members {
			if m == other {
				continue
			}
			keys := []Key{serviceKey(other), memberKey(other)}
			h.CoolRumors(m, keys)
			h.CoolRumors(m, keys)
		}
	}

	h.Purge("m2")

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.rumors[serviceKey("m2")]; ok {
		t.Fatalf("service rumor of purged member still tracked")
	}
	if _, ok := h.rumors[memberKey("m2")]; !ok {
		t.Fatalf("membership rumor of purged member dropped; only service rumors go")
	}
	for key, counts := range h.rumors {
		if _, ok := counts["m2"]; ok {
			t.Fatalf("rumor %v still has a count for m2", key)
		}
	}
	for _, key := range []Key{serviceKey("m1"), memberKey("m1")} {
		if got := h.rumors[key]["m3"]; got != 2 {
			t.Fatalf("count of %v for m3 = %d, want 2", key, got)
		}
	}
	for _, key := range []Key{serviceKey("m3"), memberKey("m3")} {
		if got := h.rumors[key]["m1"]; got != 2 {
			t.Fatalf("count of %v for m1 = %d, want 2", key, got)
		}
	}
}

func TestHeatConcurrentUse(t *testing.T) {
	h := NewHeat(fixedLimit(2), nil)
	h.StartHotRumor(serviceKey("gone"))

	const G = 8
	const N = 200
	var wg sync.WaitGroup
	for g := range G {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			peer := fmt.Sprintf("p-%d", g)
			for i := range N {
				k := memberKey(fmt.Sprintf("m-%d-%d", g, i))
				h.StartHotRumor(k)
				h.CoolRumors(peer, []Key{k})
				h.CurrentlyHotRumors(peer)
				h.CoolRumors(peer, []Key{k})
				if i%50 == 0 {
					h.Purge("gone")
				}
			}
		}(g)
	}
	wg.Wait()

	if got := h.Len(); got != G*N {
		t.Fatalf("Len = %d, want %d", got, G*N)
	}
	if got := len(h.CurrentlyHotRumors("fresh")); got != G*N {
		t.Fatalf("hot for a new peer = %d, want %d", got, G*N)
	}
	if got := len(h.CurrentlyHotRumors("p-0")); got != (G-1)*N {
		t.Fatalf("hot for p-0 = %d, want %d", got, (G-1)*N)
	}
}
