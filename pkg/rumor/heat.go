package rumor

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// DefaultShareLimit is how many times a rumor is sent to each member
// before it is considered cold for that member.
const DefaultShareLimit = 2

// ShareLimiter supplies the share limit. It is consulted on every
// CurrentlyHotRumors call, so the limit can change at runtime.
type ShareLimiter interface {
	RumorShareLimit() int
}

// Heat tracks, per rumor and per member, how many times the rumor has
// been sent to that member. A missing count is zero.
type Heat struct {
	mu     sync.RWMutex
	rumors map[Key]map[string]int
	limit  ShareLimiter
	logger *zap.Logger
}

func NewHeat(limit ShareLimiter, logger *zap.Logger) *Heat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heat{
		rumors: make(map[Key]map[string]int),
		limit:  limit,
		logger: logger,
	}
}

func (h *Heat) shareLimit() int {
	if h.limit == nil {
		return DefaultShareLimit
	}
	if n := h.limit.RumorShareLimit(); n > 0 {
		return n
	}
	return DefaultShareLimit
}

// StartHotRumor makes key maximally hot for every member.
func (h *Heat) StartHotRumor(key Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rumors[key] = make(map[string]int)
}

// CurrentlyHotRumors returns the keys still worth sending to memberID,
// warmest first: the ones closest to the share limit lead.
func (h *Heat) CurrentlyHotRumors(memberID string) []Key {
	limit := h.shareLimit()

	type hot struct {
		key   Key
		count int
	}
	h.mu.RLock()
	list := make([]hot, 0, len(h.rumors))
	for key, counts := range h.rumors {
		if c := counts[memberID]; c < limit {
			list = append(list, hot{key: key, count: c})
		}
	}
	h.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool { return list[i].count > list[j].count })

	keys := make([]Key, len(list))
	for i, r := range list {
		keys[i] = r.key
	}
	return keys
}

// CoolRumors records one more send of each key to memberID. Keys that are
// no longer tracked are skipped.
func (h *Heat) CoolRumors(memberID string, keys []Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range keys {
		counts, ok := h.rumors[key]
		if !ok {
			h.logger.Debug("cooling untracked rumor", zap.Stringer("rumor", key), zap.String("member", memberID))
			continue
		}
		counts[memberID]++
	}
}

// Purge forgets memberID: its own service rumors stop being tracked and
// its counts are removed from every other rumor.
func (h *Heat) Purge(memberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, counts := range h.rumors {
		if key.Kind == TypeService && key.ID == memberID {
			delete(h.rumors, key)
			continue
		}
		delete(counts, memberID)
	}
}

// Len returns the number of tracked rumors.
func (h *Heat) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rumors)
}
