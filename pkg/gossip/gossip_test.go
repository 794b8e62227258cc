package gossip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ryandielhenn/rumormill/internal/telemetry"
	"github.com/ryandielhenn/rumormill/pkg/rumor"
	"github.com/ryandielhenn/rumormill/pkg/wire"
)

func addrOf(port int32) string { return fmt.Sprintf("127.0.0.1:%d", port) }

func newServer(t *testing.T, n *LocalNetwork, id string, port int32, mod func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Member:    rumor.Member{ID: id, Address: "127.0.0.1", GossipPort: port},
		Transport: n.Transport(id),
		Fanout:    10,
		Metrics:   telemetry.New(),
	}
	if mod != nil {
		mod(&cfg)
	}
	s := New(cfg)
	n.Register(addrOf(port), s)
	return s
}

type recorder struct {
	mu      sync.Mutex
	from    []string
	batches [][][]byte
}

func (r *recorder) Deliver(from string, rumors [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.from = append(r.from, from)
	r.batches = append(r.batches, rumors)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func mustEncode[T wire.Payload](t *testing.T, from string, p T) []byte {
	t.Helper()
	b, err := wire.EncoderFor[T](from)(p)
	if err != nil {
		t.Fatalf("encode %T: %v", p, err)
	}
	return b
}

func service(member, group string) *rumor.Service {
	return &rumor.Service{MemberID: member, ServiceGroup: group, Incarnation: 1}
}

func TestRoundSpreadsMembership(t *testing.T) {
	n := NewLocalNetwork()
	a := newServer(t, n, "a", 1, nil)
	b := newServer(t, n, "b", 2, nil)
	c := newServer(t, n, "c", 3, nil)

	if err := a.AddSeed("b", addrOf(2)); err != nil {
		t.Fatalf("AddSeed: %v", err)
	}
	if err := b.AddSeed("c", addrOf(3)); err != nil {
		t.Fatalf("AddSeed: %v", err)
	}

	ctx := context.Background()
	a.Round(ctx)
	b.Round(ctx)

	for _, id := range []string{"a", "b", "c"} {
		if !c.Members().ContainsRumor(rumor.MemberGroup, id) {
			t.Errorf("c does not know %s", id)
		}
	}
	if got := b.Members().Len(); got != 3 {
		t.Fatalf("b knows %d members, want 3", got)
	}
}

func TestRumorsCoolAfterShareLimit(t *testing.T) {
	n := NewLocalNetwork()
	a := newServer(t, n, "a", 1, nil)
	rec := &recorder{}
	n.Register(addrOf(2), rec)
	_ = a.AddSeed("b", addrOf(2))

	for i := 0; i < 4; i++ {
		a.Round(context.Background())
	}
	if got := rec.count(); got != rumor.DefaultShareLimit {
		t.Fatalf("b received %d batches, want %d", got, rumor.DefaultShareLimit)
	}
	if rec.from[0] != "a" {
		t.Fatalf("batch from %q, want a", rec.from[0])
	}
}

type limit int

func (l limit) RumorShareLimit() int { return int(l) }

func TestShareLimitIsInjected(t *testing.T) {
	n := NewLocalNetwork()
	a := newServer(t, n, "a", 1, func(c *Config) { c.ShareLimit = limit(5) })
	rec := &recorder{}
	n.Register(addrOf(2), rec)
	_ = a.AddSeed("b", addrOf(2))

	for i := 0; i < 7; i++ {
		a.Round(context.Background())
	}
	if got := rec.count(); got != 5 {
		t.Fatalf("b received %d batches, want 5", got)
	}
}

func TestMissingRumorIsSkippedAndStaysHot(t *testing.T) {
	n := NewLocalNetwork()
	a := newServer(t, n, "a", 1, nil)
	rec := &recorder{}
	n.Register(addrOf(2), rec)
	_ = a.AddSeed("b", addrOf(2))

	ghost := rumor.Key{Kind: rumor.TypeService, ID: "ghost", Key: "svc"}
	a.Heat().StartHotRumor(ghost)

	a.Round(context.Background())

	if len(rec.batches) != 1 || len(rec.batches[0]) != 1 {
		t.Fatalf("batches = %d, want one batch with one rumor", len(rec.batches))
	}
	found := false
	for _, k := range a.Heat().CurrentlyHotRumors("b") {
		if k == ghost {
			found = true
		}
	}
	if !found {
		t.Fatalf("unsent rumor was cooled")
	}
}

func TestPushFailureIsLogged(t *testing.T) {
	n := NewLocalNetwork()
	a := newServer(t, n, "a", 1, nil)
	_ = a.AddSeed("b", addrOf(2))
	n.SetDown(addrOf(2), true)

	a.Round(context.Background())

	if got := testutil.ToFloat64(a.metrics.GossipRounds); got != 1 {
		t.Fatalf("rounds = %v, want 1", got)
	}
}

func TestRefutation(t *testing.T) {
	n := NewLocalNetwork()
	a := newServer(t, n, "a", 1, nil)

	suspect := &rumor.Membership{Member: rumor.Member{ID: "a"}, Health: rumor.Suspect}
	if err := a.Receive(mustEncode(t, "b", suspect)); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got := a.Member().Incarnation; got != 1 {
		t.Fatalf("incarnation = %d, want 1", got)
	}
	m, _ := a.membership("a")
	if m.Health != rumor.Alive || m.Member.Incarnation != 1 {
		t.Fatalf("stored self = %+v", m)
	}

	// The same stale suspicion cannot override the refutation.
	_ = a.Receive(mustEncode(t, "b", suspect))
	if h, _ := a.HealthOf("a"); h != rumor.Alive || a.Member().Incarnation != 1 {
		t.Fatalf("health %v incarnation %d after stale rumor", h, a.Member().Incarnation)
	}
}

func TestDeparture(t *testing.T) {
	n := NewLocalNetwork()
	a := newServer(t, n, "a", 1, nil)
	_ = a.AddSeed("b", addrOf(2))
	a.HandleService("b", service("b", "svc"))

	dep := mustEncode(t, "c", &rumor.Departure{MemberID: "b"})
	if err := a.Receive(dep); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if h, _ := a.HealthOf("b"); h != rumor.Departed {
		t.Fatalf("health = %v, want departed", h)
	}
	if a.Services().ContainsRumor("svc", "b") {
		t.Fatalf("departed member's service was kept")
	}
	if !a.Departures().ContainsRumor("departure", "b") {
		t.Fatalf("departure rumor not stored")
	}

	_ = a.Receive(dep)
	if got := testutil.ToFloat64(a.metrics.PurgedMembers); got != 1 {
		t.Fatalf("purged = %v, want 1", got)
	}
	if a.Departed() {
		t.Fatalf("a thinks it departed")
	}
}

func TestOwnDeparture(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	_ = a.Receive(mustEncode(t, "b", &rumor.Departure{MemberID: "a"}))
	if !a.Departed() {
		t.Fatalf("Departed() = false")
	}
}

func TestLeave(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	a.Leave()
	m, _ := a.membership("a")
	if m.Health != rumor.Departed || m.Member.Incarnation != 1 || !m.Member.Departed {
		t.Fatalf("self after Leave = %+v", m)
	}
}

func TestDeliverDropsMalformed(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	good := mustEncode(t, "b", &rumor.ServiceConfig{ServiceGroup: "svc", Incarnation: 1, Config: []byte("a = 1")})

	a.Deliver("b", [][]byte{{0xff}, good})

	if got := testutil.ToFloat64(a.metrics.DroppedMessages.WithLabelValues("decode")); got != 1 {
		t.Fatalf("dropped{decode} = %v, want 1", got)
	}
	if !a.ServiceConfigs().ContainsRumor("svc", rumor.ServiceConfigID) {
		t.Fatalf("valid rumor after a malformed one was not applied")
	}
}

func TestServiceJoinDepartsConfirmedMember(t *testing.T) {
	n := NewLocalNetwork()
	a := newServer(t, n, "a", 1, nil)
	for i, id := range []string{"b", "c", "d"} {
		_ = a.AddSeed(id, addrOf(int32(i+2)))
	}
	for _, id := range []string{"a", "b", "c"} {
		a.HandleService(id, service(id, "svc"))
	}
	a.SetHealth("b", rumor.Confirmed)
	a.SetHealth("c", rumor.Confirmed)

	a.HandleService("d", service("d", "svc"))

	if h, _ := a.HealthOf("b"); h != rumor.Departed {
		t.Fatalf("b health = %v, want departed", h)
	}
	if h, _ := a.HealthOf("c"); h != rumor.Confirmed {
		t.Fatalf("c health = %v, want confirmed", h)
	}
	if !a.Services().ContainsRumor("svc", "d") {
		t.Fatalf("joining service missing")
	}
}

func TestSetHealthOnlyWorsens(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	_ = a.AddSeed("b", addrOf(2))

	if !a.SetHealth("b", rumor.Suspect) {
		t.Fatalf("Suspect not applied")
	}
	if a.SetHealth("b", rumor.Alive) {
		t.Fatalf("Alive applied at same incarnation")
	}
	if a.SetHealth("a", rumor.Confirmed) {
		t.Fatalf("SetHealth changed ourselves")
	}
	if a.SetHealth("zz", rumor.Suspect) {
		t.Fatalf("SetHealth invented a member")
	}
}

func TestDeliverDropsMemberWithoutID(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	nameless := mustEncode(t, "b", &rumor.Membership{Member: rumor.Member{Incarnation: 1, GossipPort: 2}})

	a.Deliver("b", [][]byte{nameless})

	if got := testutil.ToFloat64(a.metrics.DroppedMessages.WithLabelValues("protocol_mismatch")); got != 1 {
		t.Fatalf("dropped{protocol_mismatch} = %v, want 1", got)
	}
	if a.Members().ContainsRumor(rumor.MemberGroup, "") {
		t.Fatalf("member without id was stored")
	}
	if peers := a.pickPeers(); len(peers) != 0 {
		t.Fatalf("pickPeers = %v, want none", peers)
	}
}

func TestMembersWithHealth(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	for i, id := range []string{"b", "c", "d"} {
		_ = a.AddSeed(id, addrOf(int32(i+2)))
	}
	a.SetHealth("b", rumor.Confirmed)
	a.SetHealth("d", rumor.Confirmed)
	a.SetHealth("c", rumor.Suspect)

	got := a.membersWithHealth(rumor.Confirmed)
	if len(got) != 2 || !got["b"] || !got["d"] {
		t.Fatalf("confirmed = %v, want b and d", got)
	}
}

func TestServiceJoinsDuringHealthChanges(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	const seeds = 10
	for i := 0; i < seeds; i++ {
		id := fmt.Sprintf("m%d", i)
		_ = a.AddSeed(id, addrOf(int32(i+2)))
		a.HandleService(id, service(id, "svc"))
	}

	const joins = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < seeds; i++ {
			a.SetHealth(fmt.Sprintf("m%d", i), rumor.Suspect)
			a.SetHealth(fmt.Sprintf("m%d", i), rumor.Confirmed)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < joins; i++ {
			id := fmt.Sprintf("j%d", i)
			a.HandleService(id, service(id, "svc"))
		}
	}()
	wg.Wait()

	for i := 0; i < joins; i++ {
		if id := fmt.Sprintf("j%d", i); !a.Services().ContainsRumor("svc", id) {
			t.Fatalf("service %s missing", id)
		}
	}
}

func TestSingleMemberElection(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	a.HandleService("a", service("a", "svc"))

	a.StartElection("svc", 0)

	var own []byte
	a.Elections().WithRumor("svc", rumor.ElectionID, func(e *rumor.Election, ok bool) {
		if !ok || e.Status != rumor.ElectionRunning {
			t.Fatalf("election = %+v, %v", e, ok)
		}
		own = mustEncode(t, "a", e)
	})

	if err := a.Receive(own); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	a.Elections().WithRumor("svc", rumor.ElectionID, func(e *rumor.Election, ok bool) {
		if !e.IsFinished() {
			t.Fatalf("status = %v, want finished", e.Status)
		}
	})
	if got := testutil.ToFloat64(a.metrics.ElectionsDone.WithLabelValues("svc")); got != 1 {
		t.Fatalf("elections finished = %v", got)
	}
}

func TestElectionAcrossMembers(t *testing.T) {
	n := NewLocalNetwork()
	suit := map[string]uint64{"a": 1, "b": 5}
	mk := func(id string, port int32) *Server {
		return newServer(t, n, id, port, func(c *Config) {
			c.Suitability = func(string) uint64 { return suit[id] }
		})
	}
	a, b := mk("a", 1), mk("b", 2)
	_ = a.AddSeed("b", addrOf(2))
	_ = b.AddSeed("a", addrOf(1))
	for _, s := range []*Server{a, b} {
		s.HandleService("a", service("a", "svc"))
		s.HandleService("b", service("b", "svc"))
	}

	ctx := context.Background()
	a.StartElection("svc", 0)
	a.Round(ctx)
	b.Round(ctx)
	a.Round(ctx)
	b.Round(ctx)

	for _, s := range []*Server{a, b} {
		c := s.Census()
		if len(c.Groups) != 1 || c.Groups[0].Leader != "b" {
			t.Fatalf("%s census groups = %+v, want leader b", s.MemberID(), c.Groups)
		}
	}
}

func TestElectionWithoutQuorum(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	_ = a.AddSeed("b", addrOf(2))
	a.HandleService("a", service("a", "svc"))
	a.HandleService("b", service("b", "svc"))
	a.SetHealth("b", rumor.Confirmed)

	a.StartUpdateElection("svc", 3, 1)

	a.UpdateElections().WithRumor("svc", rumor.ElectionID, func(e *rumor.ElectionUpdate, ok bool) {
		if !ok || e.Status != rumor.ElectionNoQuorum || e.Suitability != 3 {
			t.Fatalf("update election = %+v, %v", e, ok)
		}
	})
}

func TestRestartElectionWhenLeaderDies(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	_ = a.AddSeed("b", addrOf(2))
	a.HandleService("a", service("a", "svc"))
	a.HandleService("b", service("b", "svc"))

	done := &rumor.Election{MemberID: "b", ServiceGroup: "svc", Term: 4, Status: rumor.ElectionFinished, Votes: []string{"a", "b"}}
	_ = a.Receive(mustEncode(t, "b", done))
	a.SetHealth("b", rumor.Confirmed)

	a.RestartElections()

	a.Elections().WithRumor("svc", rumor.ElectionID, func(e *rumor.Election, ok bool) {
		if !ok || e.Term != 5 || e.MemberID != "a" {
			t.Fatalf("election after restart = %+v", e)
		}
	})
}

func TestDetectorSweep(t *testing.T) {
	now := time.Unix(1000, 0)
	a := newServer(t, NewLocalNetwork(), "a", 1, func(c *Config) {
		c.Detector = NewTimeoutDetector(time.Second, 5*time.Second)
		c.Now = func() time.Time { return now }
	})
	_ = a.AddSeed("b", addrOf(2))

	now = now.Add(2 * time.Second)
	a.Round(context.Background())
	if h, _ := a.HealthOf("b"); h != rumor.Suspect {
		t.Fatalf("health = %v, want suspect", h)
	}

	now = now.Add(5 * time.Second)
	a.Round(context.Background())
	if h, _ := a.HealthOf("b"); h != rumor.Confirmed {
		t.Fatalf("health = %v, want confirmed", h)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	n := NewLocalNetwork()
	zid := uuid.MustParse("6b3c2a9e-1f0d-4c47-9b55-5d2e7f1c0a11")
	a := newServer(t, n, "a", 1, func(c *Config) {
		c.ZoneID = zid
		c.MaintainZone = true
	})
	a.HandleService("a", service("a", "svc"))
	a.HandleServiceConfig("a", &rumor.ServiceConfig{ServiceGroup: "svc", Incarnation: 2, Config: []byte("x = 1")})
	a.HandleServiceFile("a", &rumor.ServiceFile{ServiceGroup: "svc", Incarnation: 1, Filename: "f.conf", Body: []byte("body")})

	var buf bytes.Buffer
	if err := a.WriteSnapshot(&buf); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	x := newServer(t, n, "x", 9, nil)
	if err := x.ReadSnapshot(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if !x.Members().ContainsRumor(rumor.MemberGroup, "a") {
		t.Errorf("member a missing")
	}
	if !x.Services().ContainsRumor("svc", "a") {
		t.Errorf("service missing")
	}
	if !x.ServiceFiles().ContainsRumor("svc", "f.conf") {
		t.Errorf("service file missing")
	}
	x.ServiceConfigs().WithRumor("svc", rumor.ServiceConfigID, func(sc *rumor.ServiceConfig, ok bool) {
		if !ok || sc.Incarnation != 2 {
			t.Errorf("service config = %+v", sc)
		}
	})
	if _, ok := x.Zones().Get(zid); !ok {
		t.Errorf("zone missing")
	}
}

func TestReadSnapshotRejectsGarbage(t *testing.T) {
	a := newServer(t, NewLocalNetwork(), "a", 1, nil)
	for _, b := range [][]byte{
		[]byte("NOTSNAP"),
		[]byte("RMSNAP"),
		append([]byte("RMSNAP"), 1),
		append([]byte("RMSNAP"), 2, 0x05, 0x01),
	} {
		if err := a.ReadSnapshot(bytes.NewReader(b)); !errors.Is(err, ErrBadSnapshot) {
			t.Errorf("ReadSnapshot(%q) = %v, want ErrBadSnapshot", b, err)
		}
	}
}

func TestStartStop(t *testing.T) {
	n := NewLocalNetwork()
	a := newServer(t, n, "a", 1, func(c *Config) { c.Interval = time.Millisecond })
	rec := &recorder{}
	n.Register(addrOf(2), rec)
	_ = a.AddSeed("b", addrOf(2))

	a.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	a.Stop()
	if rec.count() == 0 {
		t.Fatalf("no rounds ran")
	}
}

func TestTimeoutDetector(t *testing.T) {
	d := NewTimeoutDetector(time.Second, 3*time.Second)
	t0 := time.Unix(0, 0)

	if _, ok := d.Health("a", t0); ok {
		t.Fatalf("unobserved member has a verdict")
	}
	d.Observe("a", t0)
	d.Observe("a", t0.Add(-time.Hour))

	cases := []struct {
		after time.Duration
		want  rumor.Health
	}{
		{0, rumor.Alive},
		{time.Second, rumor.Suspect},
		{3 * time.Second, rumor.Confirmed},
	}
	for _, c := range cases {
		if h, _ := d.Health("a", t0.Add(c.after)); h != c.want {
			t.Errorf("after %s: %v, want %v", c.after, h, c.want)
		}
	}
	d.Remove("a")
	if _, ok := d.Health("a", t0); ok {
		t.Fatalf("removed member still has a verdict")
	}
}
