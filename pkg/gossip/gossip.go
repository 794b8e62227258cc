package gossip

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rumormill/internal/telemetry"
	"github.com/ryandielhenn/rumormill/pkg/rumor"
	"github.com/ryandielhenn/rumormill/pkg/wire"
	"github.com/ryandielhenn/rumormill/pkg/zone"
)

const (
	DefaultFanout   = 3
	DefaultInterval = time.Second
)

type Config struct {
	// Member describes this process. Member.ID is required.
	Member    rumor.Member
	Transport Transport
	Fanout    int
	Interval  time.Duration

	// ShareLimit is consulted on every round; nil means rumor.DefaultShareLimit.
	ShareLimit rumor.ShareLimiter
	Metrics    *telemetry.Metrics
	Logger     *zap.Logger

	// Detector, when set, is swept at the start of every round.
	Detector FailureDetector
	// Suitability ranks this member as a leader candidate per service group.
	Suitability func(serviceGroup string) uint64

	ZoneID       uuid.UUID
	MaintainZone bool

	Now func() time.Time
}

// Server is a single gossip participant.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	me     rumor.Member
	purged map[string]bool

	departed atomic.Bool

	members        *rumor.Store[*rumor.Membership]
	services       *rumor.Store[*rumor.Service]
	serviceConfigs *rumor.Store[*rumor.ServiceConfig]
	serviceFiles   *rumor.Store[*rumor.ServiceFile]
	elections      *rumor.Store[*rumor.Election]
	updates        *rumor.Store[*rumor.ElectionUpdate]
	departures     *rumor.Store[*rumor.Departure]
	zones          *zone.List
	heat           *rumor.Heat

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	id := cfg.Member.ID
	rec := cfg.Metrics
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("member_id", id)),
		metrics: cfg.Metrics,
		me:      cfg.Member,
		purged:  make(map[string]bool),

		members:        rumor.NewStore(wire.EncoderFor[*rumor.Membership](id), rec),
		services:       rumor.NewStore(wire.EncoderFor[*rumor.Service](id), rec),
		serviceConfigs: rumor.NewStore(wire.EncoderFor[*rumor.ServiceConfig](id), rec),
		serviceFiles:   rumor.NewStore(wire.EncoderFor[*rumor.ServiceFile](id), rec),
		elections:      rumor.NewStore(wire.EncoderFor[*rumor.Election](id), rec),
		updates:        rumor.NewStore(wire.EncoderFor[*rumor.ElectionUpdate](id), rec),
		departures:     rumor.NewStore(wire.EncoderFor[*rumor.Departure](id), rec),
		zones:          zone.NewList(wire.EncoderFor[*zone.Zone](id), cfg.Logger.Named("zone")),
		heat:           rumor.NewHeat(cfg.ShareLimit, cfg.Logger.Named("heat")),
	}

	self := &rumor.Membership{Member: s.me, Health: rumor.Alive}
	s.members.Insert(self)
	s.heat.StartHotRumor(rumor.KeyOf(self))

	if cfg.ZoneID != uuid.Nil {
		s.zones.SetOurZoneID(cfg.ZoneID)
		if cfg.MaintainZone {
			s.zones.SetMaintainedZoneID(cfg.ZoneID)
			s.HandleZone(id, zone.New(cfg.ZoneID, id))
		}
	}
	return s
}

func (s *Server) MemberID() string { return s.cfg.Member.ID }

// Member returns this process's current member record.
func (s *Server) Member() rumor.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.me
}

// Departed reports whether a departure rumor about this member was received.
func (s *Server) Departed() bool { return s.departed.Load() }

// Start runs a gossip round every Interval until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Round(ctx)
			}
		}
	}()
}

func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Round sweeps the failure detector, restarts stale elections and then
// pushes each chosen peer the rumors that are still hot for it.
func (s *Server) Round(ctx context.Context) {
	s.sweep()
	s.RestartElections()

	for _, peer := range s.pickPeers() {
		if ctx.Err() != nil {
			return
		}
		s.pushTo(ctx, peer)
	}
	s.metrics.GossipRounds.Inc()
}

func (s *Server) pushTo(ctx context.Context, peer rumor.Member) {
	var (
		batch [][]byte
		sent  []rumor.Key
	)
	for _, key := range s.heat.CurrentlyHotRumors(peer.ID) {
		b, err := s.encode(key)
		switch {
		case errors.Is(err, rumor.ErrNonExistentRumor):
			s.logger.Debug("hot rumor no longer stored", zap.Stringer("rumor", key))
			continue
		case err != nil:
			s.logger.Warn("encode rumor", zap.Stringer("rumor", key), zap.Error(err))
			continue
		}
		batch = append(batch, b)
		sent = append(sent, key)
	}
	if len(batch) == 0 {
		return
	}

	if s.cfg.Transport != nil {
		if err := s.cfg.Transport.Push(ctx, peer.GossipAddr(), batch); err != nil {
			s.logger.Error("push rumors",
				zap.String("peer", peer.ID),
				zap.String("addr", peer.GossipAddr()),
				zap.Error(err))
		}
	}
	for _, key := range sent {
		s.metrics.SentRumors.WithLabelValues(key.Kind.String()).Inc()
	}
	s.heat.CoolRumors(peer.ID, sent)
}

// encode looks a heat key up in the store for its kind. The key's Key is
// the store group and its ID the member within it.
func (s *Server) encode(key rumor.Key) ([]byte, error) {
	switch key.Kind {
	case rumor.TypeMember:
		return s.members.Encode(key.Key, key.ID)
	case rumor.TypeService:
		return s.services.Encode(key.Key, key.ID)
	case rumor.TypeServiceConfig:
		return s.serviceConfigs.Encode(key.Key, key.ID)
	case rumor.TypeServiceFile:
		return s.serviceFiles.Encode(key.Key, key.ID)
	case rumor.TypeElection:
		return s.elections.Encode(key.Key, key.ID)
	case rumor.TypeElectionUpdate:
		return s.updates.Encode(key.Key, key.ID)
	case rumor.TypeDeparture:
		return s.departures.Encode(key.Key, key.ID)
	case rumor.TypeZone:
		id, err := uuid.Parse(key.ID)
		if err != nil {
			return nil, &rumor.NonExistentRumorError{ID: key.ID}
		}
		return s.zones.Encode(id)
	default:
		return nil, wire.ErrUnknownPayload
	}
}

// pickPeers returns up to Fanout alive members other than ourselves.
func (s *Server) pickPeers() []rumor.Member {
	var peers []rumor.Member
	s.members.WithRumors(rumor.MemberGroup, func(m *rumor.Membership) {
		if m.Member.ID != s.MemberID() && m.Health == rumor.Alive {
			peers = append(peers, m.Member)
		}
	})
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })
	if len(peers) > s.cfg.Fanout {
		peers = peers[:s.cfg.Fanout]
	}
	return peers
}

// sweep feeds the failure detector's verdicts into the member store.
func (s *Server) sweep() {
	d := s.cfg.Detector
	if d == nil {
		return
	}
	now := s.cfg.Now()
	type verdict struct {
		id string
		h  rumor.Health
	}
	var worse []verdict
	s.members.WithRumors(rumor.MemberGroup, func(m *rumor.Membership) {
		if m.Member.ID == s.MemberID() || m.Health == rumor.Departed {
			return
		}
		if h, ok := d.Health(m.Member.ID, now); ok && h > m.Health {
			worse = append(worse, verdict{m.Member.ID, h})
		}
	})
	for _, v := range worse {
		s.SetHealth(v.id, v.h)
	}
}

// Deliver applies a batch pushed by from. Malformed rumors are dropped.
func (s *Server) Deliver(from string, rumors [][]byte) {
	if s.cfg.Detector != nil && from != "" {
		s.cfg.Detector.Observe(from, s.cfg.Now())
	}
	for _, b := range rumors {
		if err := s.Receive(b); err != nil {
			s.metrics.DroppedMessages.WithLabelValues(dropReason(err)).Inc()
			s.logger.Debug("dropping rumor", zap.String("from", from), zap.Error(err))
		}
	}
}

// Receive decodes one envelope and merges its rumor.
func (s *Server) Receive(b []byte) error {
	return wire.Dispatch(b, s)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrProtocolMismatch):
		return "protocol_mismatch"
	case errors.Is(err, wire.ErrDecode):
		return "decode"
	default:
		return "other"
	}
}

// Stores, for read-only inspection.

func (s *Server) Members() *rumor.Store[*rumor.Membership]           { return s.members }
func (s *Server) Services() *rumor.Store[*rumor.Service]             { return s.services }
func (s *Server) ServiceConfigs() *rumor.Store[*rumor.ServiceConfig] { return s.serviceConfigs }
func (s *Server) ServiceFiles() *rumor.Store[*rumor.ServiceFile]     { return s.serviceFiles }
func (s *Server) Elections() *rumor.Store[*rumor.Election]           { return s.elections }
func (s *Server) UpdateElections() *rumor.Store[*rumor.ElectionUpdate] {
	return s.updates
}
func (s *Server) Departures() *rumor.Store[*rumor.Departure] { return s.departures }
func (s *Server) Zones() *zone.List                          { return s.zones }
func (s *Server) Heat() *rumor.Heat                          { return s.heat }
