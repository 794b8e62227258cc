package node

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// Healthz returns 200 OK while the member has not departed.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	if n.srv.Departed() {
		http.Error(w, "departed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type counts struct {
	Members        int `json:"members"`
	Services       int `json:"services"`
	ServiceConfigs int `json:"service_configs"`
	ServiceFiles   int `json:"service_files"`
	Elections      int `json:"elections"`
	Updates        int `json:"update_elections"`
	Departures     int `json:"departures"`
	Zones          int `json:"zones"`
	HotRumors      int `json:"hot_rumors"`
}

type updateCounters struct {
	Members        uint64 `json:"members"`
	Services       uint64 `json:"services"`
	ServiceConfigs uint64 `json:"service_configs"`
	ServiceFiles   uint64 `json:"service_files"`
	Elections      uint64 `json:"elections"`
	Updates        uint64 `json:"update_elections"`
	Departures     uint64 `json:"departures"`
	Zones          uint64 `json:"zones"`
}

// Info writes a JSON payload with the member, process ID, store sizes and
// update counters.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		MemberID    string         `json:"member_id"`
		Incarnation uint64         `json:"incarnation"`
		PID         int            `json:"pid"`
		Now         time.Time      `json:"now"`
		Counts      counts         `json:"counts"`
		Updates     updateCounters `json:"update_counters"`
	}
	s := n.srv
	me := s.Member()
	writeJSON(w, resp{
		MemberID:    me.ID,
		Incarnation: me.Incarnation,
		PID:         os.Getpid(),
		Now:         time.Now(),
		Counts: counts{
			Members:        s.Members().Len(),
			Services:       s.Services().Len(),
			ServiceConfigs: s.ServiceConfigs().Len(),
			ServiceFiles:   s.ServiceFiles().Len(),
			Elections:      s.Elections().Len(),
			Updates:        s.UpdateElections().Len(),
			Departures:     s.Departures().Len(),
			Zones:          s.Zones().Len(),
			HotRumors:      s.Heat().Len(),
		},
		Updates: updateCounters{
			Members:        s.Members().UpdateCounter(),
			Services:       s.Services().UpdateCounter(),
			ServiceConfigs: s.ServiceConfigs().UpdateCounter(),
			ServiceFiles:   s.ServiceFiles().UpdateCounter(),
			Elections:      s.Elections().UpdateCounter(),
			Updates:        s.UpdateElections().UpdateCounter(),
			Departures:     s.Departures().UpdateCounter(),
			Zones:          s.Zones().UpdateCounter(),
		},
	})
}

// Census writes the cluster as this member sees it.
func (n *Node) Census(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, n.srv.Census())
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
