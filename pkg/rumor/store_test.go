package rumor

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
)

type fakeRumor struct {
	id    string
	group string
	data  string
}

func (f *fakeRumor) Kind() Type  { return TypeService }
func (f *fakeRumor) Key() string { return f.group }
func (f *fakeRumor) ID() string  { return f.id }

func (f *fakeRumor) Merge(other *fakeRumor) bool {
	if f.data == other.data {
		return false
	}
	*f = *other
	return true
}

func newFake(id, group string) *fakeRumor {
	return &fakeRumor{id: id, group: group, data: "fakerton"}
}

func encodeFake(f *fakeRumor) ([]byte, error) {
	return []byte(f.id + "-" + f.group), nil
}

type countingRecorder struct {
	mu       sync.Mutex
	inserted int
	ignored  int
}

func (c *countingRecorder) RumorInserted(string) { c.mu.Lock(); c.inserted++; c.mu.Unlock() }
func (c *countingRecorder) RumorIgnored(string)  { c.mu.Lock(); c.ignored++; c.mu.Unlock() }

func TestUpdateCounterStartsAtZero(t *testing.T) {
	s := NewStore[*fakeRumor](encodeFake, nil)
	if got := s.UpdateCounter(); got != 0 {
		t.Fatalf("UpdateCounter = %d, want 0", got)
	}
}

func TestUpdateCounterWraps(t *testing.T) {
	s := NewStore[*fakeRumor](encodeFake, nil)
	s.update.Store(math.MaxUint64)
	s.Insert(newFake("m1", "svc"))
	if got := s.UpdateCounter(); got != 0 {
		t.Fatalf("UpdateCounter after overflow = %d, want 0", got)
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	rec := &countingRecorder{}
	s := NewStore[*fakeRumor](encodeFake, rec)

	if !s.Insert(newFake("m1", "m1-svc")) {
		t.Fatalf("first Insert = false, want true")
	}
	if got := s.UpdateCounter(); got != 1 {
		t.Fatalf("UpdateCounter = %d, want 1", got)
	}
	if s.Insert(newFake("m1", "m1-svc")) {
		t.Fatalf("identical Insert = true, want false")
	}
	if got := s.UpdateCounter(); got != 1 {
		t.Fatalf("UpdateCounter after identical insert = %d, want 1", got)
	}
	if rec.inserted != 1 || rec.ignored != 1 {
		t.Fatalf("recorder inserted=%d ignored=%d, want 1/1", rec.inserted, rec.ignored)
	}

	if !s.Insert(newFake("m2", "m1-svc")) {
		t.Fatalf("Insert of second member = false, want true")
	}
	if got := s.UpdateCounter(); got != 2 {
		t.Fatalf("UpdateCounter = %d, want 2", got)
	}
	if got := s.LenForKey("m1-svc"); got != 2 {
		t.Fatalf("LenForKey = %d, want 2", got)
	}
}

func TestInsertMergesChangedContent(t *testing.T) {
	s := NewStore[*fakeRumor](encodeFake, nil)
	s.Insert(newFake("m1", "svc"))

	changed := newFake("m1", "svc")
	changed.data = "updated"
	if !s.Insert(changed) {
		t.Fatalf("Insert with new content = false, want true")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (merge must replace, not duplicate)", s.Len())
	}
	s.WithRumor("svc", "m1", func(r *fakeRumor, ok bool) {
		if !ok || r.data != "updated" {
			t.Fatalf("WithRumor = %+v,%v want updated,true", r, ok)
		}
	})
}

func TestLenAcrossGroups(t *testing.T) {
	s := NewStore[*fakeRumor](encodeFake, nil)
	s.Insert(newFake("m1", "a"))
	s.Insert(newFake("m2", "a"))
	s.Insert(newFake("m1", "b"))

	if got := s.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	if got := s.LenForKey("a"); got != 2 {
		t.Fatalf("LenForKey(a) = %d, want 2", got)
	}
	if got := s.LenForKey("missing"); got != 0 {
		t.Fatalf("LenForKey(missing) = %d, want 0", got)
	}

	groups := map[string]int{}
	s.WithKeys(func(group string, members map[string]*fakeRumor) {
		groups[group] = len(members)
	})
	if groups["a"] != 2 || groups["b"] != 1 {
		t.Fatalf("WithKeys saw %v", groups)
	}
}

func TestRemoveDoesNotBumpCounter(t *testing.T) {
	s := NewStore[*fakeRumor](encodeFake, nil)
	s.Insert(newFake("m1", "svc"))
	before := s.UpdateCounter()

	s.Remove("svc", "m1")
	s.Remove("svc", "nobody")
	s.Remove("nogroup", "m1")

	if s.ContainsRumor("svc", "m1") {
		t.Fatalf("rumor still present after Remove")
	}
	if got := s.UpdateCounter(); got != before {
		t.Fatalf("UpdateCounter = %d, want %d", got, before)
	}
}

func TestEncode(t *testing.T) {
	s := NewStore[*fakeRumor](encodeFake, nil)
	s.Insert(newFake("foo", "bar"))

	b, err := s.Encode("bar", "foo")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b) != "foo-bar" {
		t.Fatalf("Encode = %q, want foo-bar", b)
	}

	_, err = s.Encode("bar", "nobody")
	if !errors.Is(err, ErrNonExistentRumor) {
		t.Fatalf("Encode missing err = %v, want ErrNonExistentRumor", err)
	}
	var nre *NonExistentRumorError
	if !errors.As(err, &nre) || nre.ID != "nobody" || nre.Group != "bar" {
		t.Fatalf("Encode missing err = %#v", err)
	}
}

func TestContainsGroupWithoutMember(t *testing.T) {
	s := NewStore[*fakeRumor](encodeFake, nil)
	s.Insert(newFake("m1", "svc"))

	cases := []struct {
		group, id string
		want      bool
	}{
		{"svc", "m1", false},
		{"svc", "m2", true},
		{"other", "m1", false},
	}
	for _, c := range cases {
		if got := s.ContainsGroupWithoutMember(c.group, c.id); got != c.want {
			t.Errorf("ContainsGroupWithoutMember(%q,%q) = %v, want %v", c.group, c.id, got, c.want)
		}
	}
}

func TestMinMemberIDWith(t *testing.T) {
	s := NewStore[*fakeRumor](encodeFake, nil)
	for _, id := range []string{"m3", "m1", "m2"} {
		s.Insert(newFake(id, "svc"))
	}

	got, ok := s.MinMemberIDWith("svc", func(*fakeRumor) bool { return true })
	if !ok || got != "m1" {
		t.Fatalf("MinMemberIDWith(all) = %q,%v want m1,true", got, ok)
	}
	got, ok = s.MinMemberIDWith("svc", func(r *fakeRumor) bool { return r.id != "m1" })
	if !ok || got != "m2" {
		t.Fatalf("MinMemberIDWith(!m1) = %q,%v want m2,true", got, ok)
	}
	if _, ok := s.MinMemberIDWith("svc", func(*fakeRumor) bool { return false }); ok {
		t.Fatalf("MinMemberIDWith(none) ok = true, want false")
	}
}

func TestStoreConcurrentInsert(t *testing.T) {
	s := NewStore[*fakeRumor](encodeFake, nil)

	const G = 16
	const N = 500
	var wg sync.WaitGroup
	for g := range G {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range N {
				s.Insert(newFake(fmt.Sprintf("m-%d-%d", g, i), "svc"))
				s.LenForKey("svc")
				_, _ = s.Encode("svc", fmt.Sprintf("m-%d-%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	if got := s.LenForKey("svc"); got != G*N {
		t.Fatalf("LenForKey = %d, want %d", got, G*N)
	}
	if got := s.UpdateCounter(); got != G*N {
		t.Fatalf("UpdateCounter = %d, want %d", got, G*N)
	}
}
