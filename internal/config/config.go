// Package config reads rumormill settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultShareLimit = 2

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Env answers settings that are re-read on every call.
type Env struct {
	lookup LookupFunc
}

// NewEnv returns an Env over lookup, or over the process environment when
// lookup is nil.
func NewEnv(lookup LookupFunc) Env {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return Env{lookup: lookup}
}

// RumorShareLimit is how many times a rumor is sent to each member before it
// cools. Unset, unparseable and non-positive values yield DefaultShareLimit.
func (e Env) RumorShareLimit() int {
	if e.lookup == nil {
		return DefaultShareLimit
	}
	v, ok := e.lookup("RUMOR_SHARE_LIMIT")
	if !ok {
		return DefaultShareLimit
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return DefaultShareLimit
	}
	return n
}

type Config struct {
	MemberID       string
	GossipListen   string
	AdvertiseAddr  string
	HTTPListen     string
	Peers          map[string]string
	EtcdEndpoints  []string
	GossipInterval time.Duration
	Fanout         int
	SnapshotPath   string
	ZoneID         string
	MaintainZone   bool
	Debug          bool
}

func Default() Config {
	return Config{
		MemberID:       uuid.NewString(),
		GossipListen:   ":9638",
		HTTPListen:     ":9631",
		Peers:          map[string]string{},
		GossipInterval: time.Second,
		Fanout:         3,
	}
}

// FromEnv overlays RUMORMILL_* variables on Default. Malformed numbers and
// durations keep their defaults; Validate reports anything left unusable.
func FromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	c := Default()
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("RUMORMILL_MEMBER_ID"); ok {
		c.MemberID = v
	}
	if v, ok := get("RUMORMILL_GOSSIP_LISTEN"); ok {
		c.GossipListen = v
	}
	if v, ok := get("RUMORMILL_ADVERTISE"); ok {
		c.AdvertiseAddr = v
	}
	if v, ok := get("RUMORMILL_HTTP_LISTEN"); ok {
		c.HTTPListen = v
	}
	if v, ok := get("RUMORMILL_PEERS"); ok {
		peers, err := ParsePeers(v)
		if err != nil {
			return c, err
		}
		c.Peers = peers
	}
	if v, ok := get("RUMORMILL_ETCD"); ok {
		c.EtcdEndpoints = splitList(v)
	}
	if v, ok := get("RUMORMILL_GOSSIP_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.GossipInterval = d
		}
	}
	if v, ok := get("RUMORMILL_FANOUT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Fanout = n
		}
	}
	if v, ok := get("RUMORMILL_SNAPSHOT"); ok {
		c.SnapshotPath = v
	}
	if v, ok := get("RUMORMILL_ZONE_ID"); ok {
		c.ZoneID = v
	}
	if v, ok := get("RUMORMILL_MAINTAIN_ZONE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MaintainZone = b
		}
	}
	return c, nil
}

// ParsePeers parses "id=host:port,id=host:port". An entry without "id="
// uses its address as the id.
func ParsePeers(s string) (map[string]string, error) {
	peers := map[string]string{}
	for _, item := range splitList(s) {
		id, addr, found := strings.Cut(item, "=")
		if !found {
			addr = id
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id == "" || addr == "" {
			return nil, fmt.Errorf("config: malformed peer %q", item)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("config: peer %q: %w", item, err)
		}
		peers[id] = addr
	}
	return peers, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.MemberID == "" {
		errs = append(errs, errors.New("member id is empty"))
	}
	if _, _, err := net.SplitHostPort(c.GossipListen); err != nil {
		errs = append(errs, fmt.Errorf("gossip listen %q: %w", c.GossipListen, err))
	}
	if _, _, err := net.SplitHostPort(c.HTTPListen); err != nil {
		errs = append(errs, fmt.Errorf("http listen %q: %w", c.HTTPListen, err))
	}
	if c.GossipInterval <= 0 {
		errs = append(errs, fmt.Errorf("gossip interval %s must be positive", c.GossipInterval))
	}
	if c.Fanout < 1 {
		errs = append(errs, fmt.Errorf("fanout %d must be at least 1", c.Fanout))
	}
	if c.ZoneID != "" {
		if _, err := uuid.Parse(c.ZoneID); err != nil {
			errs = append(errs, fmt.Errorf("zone id %q: %w", c.ZoneID, err))
		}
	}
	if c.MaintainZone && c.ZoneID == "" {
		errs = append(errs, errors.New("maintain zone requires a zone id"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
