package rumor

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// SysInfo is the network identity a service instance advertises.
type SysInfo struct {
	IP              string `json:"ip"`
	Hostname        string `json:"hostname"`
	GossipIP        string `json:"gossip_ip"`
	GossipPort      uint32 `json:"gossip_port"`
	HTTPGatewayIP   string `json:"http_gateway_ip"`
	HTTPGatewayPort uint32 `json:"http_gateway_port"`
}

// Service announces that a member runs an instance of a service group.
type Service struct {
	MemberID     string
	ServiceGroup string
	Incarnation  uint64
	Initialized  bool
	Pkg          string
	Cfg          []byte
	SysInfo      SysInfo
}

func (s *Service) Kind() Type  { return TypeService }
func (s *Service) Key() string { return s.ServiceGroup }
func (s *Service) ID() string  { return s.MemberID }

// Merge takes other only when its incarnation is strictly greater.
func (s *Service) Merge(other *Service) bool {
	if other.Incarnation <= s.Incarnation {
		return false
	}
	*s = *other
	return true
}

// Config decodes the service's exported TOML configuration.
func (s *Service) Config() (map[string]any, error) {
	cfg := make(map[string]any)
	if len(s.Cfg) == 0 {
		return cfg, nil
	}
	if err := toml.Unmarshal(s.Cfg, &cfg); err != nil {
		return nil, fmt.Errorf("service %s config: %w", s.ServiceGroup, err)
	}
	return cfg, nil
}
