package rumor

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// ServiceConfigID is the id of the single config rumor per service group.
const ServiceConfigID = "service_config"

// ServiceConfig carries a configuration blob applied to every member of a
// service group.
type ServiceConfig struct {
	ServiceGroup string
	Incarnation  uint64
	Encrypted    bool
	Config       []byte
}

func (sc *ServiceConfig) Kind() Type  { return TypeServiceConfig }
func (sc *ServiceConfig) Key() string { return sc.ServiceGroup }
func (sc *ServiceConfig) ID() string  { return ServiceConfigID }

func (sc *ServiceConfig) Merge(other *ServiceConfig) bool {
	if other.Incarnation <= sc.Incarnation {
		return false
	}
	*sc = *other
	return true
}

// Decode parses the blob as TOML.
func (sc *ServiceConfig) Decode() (map[string]any, error) {
	if sc.Encrypted {
		return nil, fmt.Errorf("service config %s: %w", sc.ServiceGroup, ErrEncryptedConfig)
	}
	cfg := make(map[string]any)
	if err := toml.Unmarshal(sc.Config, &cfg); err != nil {
		return nil, fmt.Errorf("service config %s: %w", sc.ServiceGroup, err)
	}
	return cfg, nil
}

// ServiceFile distributes a named file to a service group.
type ServiceFile struct {
	ServiceGroup string
	Incarnation  uint64
	Encrypted    bool
	Filename     string
	Body         []byte
}

func (sf *ServiceFile) Kind() Type  { return TypeServiceFile }
func (sf *ServiceFile) Key() string { return sf.ServiceGroup }
func (sf *ServiceFile) ID() string  { return sf.Filename }

func (sf *ServiceFile) Merge(other *ServiceFile) bool {
	if other.Incarnation <= sf.Incarnation {
		return false
	}
	*sf = *other
	return true
}
