// Package proximity detects peers crossing into and out of a distance
// threshold around this device.
package proximity

import (
	"sort"
	"sync"
	"time"

	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/metrics"
	"backend-trackmates/internal/shared/geo"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultThresholdM = 500.0

// Alert is raised once per approach. The pair is not alerted again until it
// separates beyond the threshold.
type Alert struct {
	ID         string    `json:"id"`
	PeerID     string    `json:"peer_id"`
	DistanceM  float64   `json:"distance_m"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Event records one threshold crossing in either direction.
type Event struct {
	ID         string    `json:"id"`
	PeerID     string    `json:"peer_id"`
	Entered    bool      `json:"entered"`
	DistanceM  float64   `json:"distance_m"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Notifier struct {
	thresholdM float64
	now        func() time.Time
	log        zerolog.Logger

	OnAlert func(Alert)
	OnEvent func(Event)

	mu   sync.Mutex
	near map[string]bool
}

func New(thresholdM float64, now func() time.Time) *Notifier {
	if thresholdM <= 0 {
		thresholdM = DefaultThresholdM
	}
	if now == nil {
		now = time.Now
	}
	return &Notifier{
		thresholdM: thresholdM,
		now:        now,
		log:        logging.Component("proximity"),
		near:       map[string]bool{},
	}
}

func (n *Notifier) ThresholdM() float64 { return n.thresholdM }

// Evaluate checks every given peer against self. Callers pass online peers
// only; peers left out keep their last near/far state.
func (n *Notifier) Evaluate(self geo.LatLng, peers map[string]geo.LatLng) []Alert {
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var alerts []Alert
	for _, id := range ids {
		if a, ok := n.EvaluatePeer(self, id, peers[id]); ok {
			alerts = append(alerts, a)
		}
	}
	return alerts
}

// EvaluatePeer returns an alert when the peer just crossed inside the
// threshold.
func (n *Notifier) EvaluatePeer(self geo.LatLng, peerID string, peer geo.LatLng) (Alert, bool) {
	d := geo.DistanceM(self, peer)
	inside := d <= n.thresholdM

	n.mu.Lock()
	wasNear := n.near[peerID]
	if inside == wasNear {
		n.mu.Unlock()
		return Alert{}, false
	}
	n.near[peerID] = inside
	n.mu.Unlock()

	ev := Event{
		ID:         uuid.New().String(),
		PeerID:     peerID,
		Entered:    inside,
		DistanceM:  d,
		OccurredAt: n.now(),
	}
	if n.OnEvent != nil {
		n.OnEvent(ev)
	}
	if !inside {
		n.log.Debug().Str("peer", peerID).Float64("distance_m", d).Msg("peer separated")
		return Alert{}, false
	}

	a := Alert{ID: ev.ID, PeerID: peerID, DistanceM: d, OccurredAt: ev.OccurredAt}
	metrics.ProximityAlerts.Inc()
	n.log.Info().Str("peer", peerID).Float64("distance_m", d).Msg("peer nearby")
	if n.OnAlert != nil {
		n.OnAlert(a)
	}
	return a, true
}

func (n *Notifier) Near(peerID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.near[peerID]
}

// Forget drops pair state for peers no longer observed.
func (n *Notifier) Forget(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.near, peerID)
}

func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.near = map[string]bool{}
}
