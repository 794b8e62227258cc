package gossip

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ryandielhenn/rumormill/pkg/rumor"
	"github.com/ryandielhenn/rumormill/pkg/zone"
)

const (
	snapshotMagic   = "RMSNAP"
	snapshotVersion = 2
)

var ErrBadSnapshot = errors.New("bad snapshot")

// WriteSnapshot writes every stored rumor to w: the magic, a version
// byte, then each rumor envelope prefixed by its varint length.
func (s *Server) WriteSnapshot(w io.Writer) error {
	buf := append([]byte(snapshotMagic), snapshotVersion)
	n := 0
	for _, key := range s.allKeys() {
		b, err := s.encode(key)
		if errors.Is(err, rumor.ErrNonExistentRumor) {
			continue
		}
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", key, err)
		}
		buf = protowire.AppendBytes(buf, b)
		n++
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	s.logger.Debug("wrote snapshot", zap.Int("rumors", n), zap.Int("bytes", len(buf)))
	return nil
}

// ReadSnapshot merges a snapshot written by WriteSnapshot. Rumors go
// through the normal receive path, so they only win where they are newer.
func (s *Server) ReadSnapshot(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if !bytes.HasPrefix(data, []byte(snapshotMagic)) {
		return fmt.Errorf("%w: missing magic", ErrBadSnapshot)
	}
	data = data[len(snapshotMagic):]
	if len(data) == 0 || data[0] != snapshotVersion {
		return fmt.Errorf("%w: unsupported version", ErrBadSnapshot)
	}
	data = data[1:]

	n := 0
	for len(data) > 0 {
		b, m := protowire.ConsumeBytes(data)
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrBadSnapshot, protowire.ParseError(m))
		}
		data = data[m:]
		if err := s.Receive(b); err != nil {
			return fmt.Errorf("%w: rumor %d: %v", ErrBadSnapshot, n, err)
		}
		n++
	}
	s.logger.Info("loaded snapshot", zap.Int("rumors", n))
	return nil
}

func (s *Server) allKeys() []rumor.Key {
	var keys []rumor.Key
	keys = appendKeys(keys, s.members)
	keys = appendKeys(keys, s.services)
	keys = appendKeys(keys, s.serviceConfigs)
	keys = appendKeys(keys, s.serviceFiles)
	keys = appendKeys(keys, s.elections)
	keys = appendKeys(keys, s.updates)
	keys = appendKeys(keys, s.departures)
	s.zones.WithZones(func(z *zone.Zone) {
		keys = append(keys, z.RumorKey())
	})
	return keys
}

func appendKeys[T rumor.Rumor[T]](keys []rumor.Key, st *rumor.Store[T]) []rumor.Key {
	st.WithKeys(func(_ string, members map[string]T) {
		for _, r := range members {
			keys = append(keys, rumor.KeyOf(r))
		}
	})
	return keys
}
