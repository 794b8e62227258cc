package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rumormill/discovery"
	"github.com/ryandielhenn/rumormill/internal/config"
	"github.com/ryandielhenn/rumormill/internal/telemetry"
	"github.com/ryandielhenn/rumormill/internal/transport"
	"github.com/ryandielhenn/rumormill/pkg/gossip"
	"github.com/ryandielhenn/rumormill/pkg/node"
	"github.com/ryandielhenn/rumormill/pkg/rumor"
)

const leaseTTL = 10

var flags struct {
	memberID  string
	gossip    string
	advertise string
	http      string
	peers     string
	etcd      []string
	interval  time.Duration
	fanout    int
	snapshot  string
	zoneID    string
	maintain  bool
	debug     bool
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a gossip member",
	Long: `Start a rumormill member. Every flag can also be given as a RUMORMILL_*
environment variable; flags win.

Examples:
  # Start the first member
  rumord start --member-id=m1 --gossip-listen=:9638

  # Join it
  rumord start --member-id=m2 --gossip-listen=:9648 --http-listen=:9641 --peers=m1=127.0.0.1:9638`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	f := startCmd.Flags()
	f.StringVar(&flags.memberID, "member-id", "", "Unique member id (default: random UUID)")
	f.StringVar(&flags.gossip, "gossip-listen", ":9638", "Address the gossip transport listens on")
	f.StringVar(&flags.advertise, "advertise", "", "host:port other members reach us at (default: gossip-listen)")
	f.StringVar(&flags.http, "http-listen", ":9631", "Address of the HTTP status endpoints")
	f.StringVar(&flags.peers, "peers", "", "Seed peers, id=host:port (comma-separated)")
	f.StringSliceVar(&flags.etcd, "etcd", nil, "etcd endpoints used for discovery (comma-separated)")
	f.DurationVar(&flags.interval, "gossip-interval", gossip.DefaultInterval, "Time between gossip rounds")
	f.IntVar(&flags.fanout, "fanout", gossip.DefaultFanout, "Peers pushed to per round")
	f.StringVar(&flags.snapshot, "snapshot", "", "Path of the rumor snapshot file")
	f.StringVar(&flags.zoneID, "zone-id", "", "UUID of the zone this member lives in")
	f.BoolVar(&flags.maintain, "maintain-zone", false, "Maintain the zone given by --zone-id")
	f.BoolVar(&flags.debug, "debug", false, "Enable development logging")
}

// loadConfig overlays explicitly set flags on the environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.FromEnv(nil)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if f.Changed("member-id") {
		cfg.MemberID = flags.memberID
	}
	if f.Changed("gossip-listen") {
		cfg.GossipListen = flags.gossip
	}
	if f.Changed("advertise") {
		cfg.AdvertiseAddr = flags.advertise
	}
	if f.Changed("http-listen") {
		cfg.HTTPListen = flags.http
	}
	if f.Changed("peers") {
		peers, err := config.ParsePeers(flags.peers)
		if err != nil {
			return cfg, err
		}
		cfg.Peers = peers
	}
	if f.Changed("etcd") {
		cfg.EtcdEndpoints = flags.etcd
	}
	if f.Changed("gossip-interval") {
		cfg.GossipInterval = flags.interval
	}
	if f.Changed("fanout") {
		cfg.Fanout = flags.fanout
	}
	if f.Changed("snapshot") {
		cfg.SnapshotPath = flags.snapshot
	}
	if f.Changed("zone-id") {
		cfg.ZoneID = flags.zoneID
	}
	if f.Changed("maintain-zone") {
		cfg.MaintainZone = flags.maintain
	}
	cfg.Debug = flags.debug
	return cfg, cfg.Validate()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// advertised splits the address peers should use into host and port.
func advertised(cfg config.Config) (string, int32, error) {
	addr := cfg.AdvertiseAddr
	if addr == "" {
		addr = cfg.GossipListen
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("advertise address %q: %w", addr, err)
	}
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			return "", 0, err
		}
	}
	p, err := strconv.ParseInt(port, 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("advertise port %q: %w", port, err)
	}
	return host, int32(p), nil
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics := telemetry.New()
	metrics.SetBuildInfo(version, gitSHA)

	host, port, err := advertised(cfg)
	if err != nil {
		return err
	}
	me := rumor.Member{ID: cfg.MemberID, Address: host, SwimPort: port, GossipPort: port}

	var zoneID uuid.UUID
	if cfg.ZoneID != "" {
		zoneID = uuid.MustParse(cfg.ZoneID)
	}

	tr, err := transport.New(me.ID, logger.Named("transport"))
	if err != nil {
		return err
	}
	defer tr.Close()

	srv := gossip.New(gossip.Config{
		Member:       me,
		Transport:    tr,
		Fanout:       cfg.Fanout,
		Interval:     cfg.GossipInterval,
		ShareLimit:   config.NewEnv(nil),
		Metrics:      metrics,
		Logger:       logger.Named("gossip"),
		Detector:     gossip.NewTimeoutDetector(5*cfg.GossipInterval, 15*cfg.GossipInterval),
		ZoneID:       zoneID,
		MaintainZone: cfg.MaintainZone,
	})
	if cfg.SnapshotPath != "" {
		if err := loadSnapshot(cfg.SnapshotPath, srv); err != nil {
			logger.Warn("snapshot not loaded", zap.String("path", cfg.SnapshotPath), zap.Error(err))
		}
	}

	lis, err := net.Listen("tcp", cfg.GossipListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GossipListen, err)
	}
	go func() {
		if err := tr.Serve(lis, srv); err != nil {
			logger.Error("gossip transport stopped", zap.Error(err))
		}
	}()

	n := node.NewNode(srv, cfg.HTTPListen)
	defPort := strconv.Itoa(int(port))
	for id, addr := range cfg.Peers {
		if err := n.AddPeer(id, node.NormalizeHostPort(addr, defPort)); err != nil {
			logger.Warn("bad peer", zap.String("peer", id), zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.EtcdEndpoints) > 0 {
		release, err := joinEtcd(ctx, cfg, me, n, logger.Named("discovery"))
		if err != nil {
			return err
		}
		defer release()
	}

	srv.Start(ctx)

	if cfg.SnapshotPath != "" {
		go persistLoop(ctx, cfg.SnapshotPath, 10*cfg.GossipInterval, srv, logger)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", metrics.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", metrics.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/census", metrics.Instrument("census", http.HandlerFunc(n.Census)))
	mux.Handle("/metrics", metrics.Handler())
	httpSrv := &http.Server{Addr: cfg.HTTPListen, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	logger.Info("rumormill member started",
		zap.String("member_id", me.ID),
		zap.String("gossip", lis.Addr().String()),
		zap.String("http", cfg.HTTPListen),
		zap.String("version", version))

	<-ctx.Done()
	logger.Info("shutting down")

	srv.Stop()
	srv.Leave()
	leaveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Round(leaveCtx)

	if cfg.SnapshotPath != "" {
		if err := saveSnapshot(cfg.SnapshotPath, srv); err != nil {
			logger.Error("save snapshot", zap.Error(err))
		}
	}
	return httpSrv.Shutdown(leaveCtx)
}

func joinEtcd(ctx context.Context, cfg config.Config, me rumor.Member, n *node.Node, logger *zap.Logger) (func(), error) {
	cli, err := discovery.NewClient(cfg.EtcdEndpoints)
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	lease, cancel, err := discovery.RegisterNode(ctx, cli, me.ID, me.GossipAddr(), leaseTTL)
	if err != nil {
		cli.Close()
		return nil, err
	}
	logger.Info("registered with etcd", zap.Strings("endpoints", cli.Endpoints()))

	defPort := strconv.Itoa(int(me.GossipPort))
	addPeers := func(peers map[string]string) {
		for id, addr := range peers {
			if err := n.AddPeer(id, node.NormalizeHostPort(addr, defPort)); err != nil {
				logger.Warn("bad peer", zap.String("peer", id), zap.Error(err))
			}
		}
	}

	// Seed before the first round; the watch below keeps the list current.
	peers, err := discovery.GetPeers(ctx, cli)
	if err != nil {
		logger.Warn("initial peer list", zap.Error(err))
	}
	addPeers(peers)

	go func() {
		err := discovery.WatchPeers(ctx, cli, logger, addPeers)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watch peers", zap.Error(err))
		}
	}()

	return func() {
		cancel()
		rctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_, _ = cli.Revoke(rctx, lease)
		cli.Close()
	}, nil
}

func loadSnapshot(path string, srv *gossip.Server) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return srv.ReadSnapshot(f)
}

// saveSnapshot writes to a temporary file beside path and renames it into place.
func saveSnapshot(path string, srv *gossip.Server) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := srv.WriteSnapshot(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func persistLoop(ctx context.Context, path string, every time.Duration, srv *gossip.Server, logger *zap.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := saveSnapshot(path, srv); err != nil {
				logger.Error("save snapshot", zap.Error(err))
			}
		}
	}
}
