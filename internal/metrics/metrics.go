package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MovesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "live_moves_applied_total",
			Help: "Moves accepted and applied to a room position",
		},
	)
	MovesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_moves_rejected_total",
			Help: "Requests rejected before mutating a room, by reason code",
		},
		[]string{"code"},
	)
	Joins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_joins_total",
			Help: "Participants admitted, by assigned role",
		},
		[]string{"role"},
	)
	Leaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_leaves_total",
			Help: "Participants removed, by role held",
		},
		[]string{"role"},
	)
	Resets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "live_resets_total",
			Help: "Room resets",
		},
	)
	Connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_connected_participants",
			Help: "Participants currently attached to any room",
		},
	)
	Rooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_rooms",
			Help: "Rooms currently held by the registry",
		},
	)
	SendDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "live_send_dropped_total",
			Help: "Outbound messages dropped because a recipient was gone or too slow",
		},
	)
	MirrorErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "live_mirror_errors_total",
			Help: "Failed snapshot writes to the mirror",
		},
	)
)

func init() {
	prometheus.MustRegister(MovesApplied)
	prometheus.MustRegister(MovesRejected)
	prometheus.MustRegister(Joins)
	prometheus.MustRegister(Leaves)
	prometheus.MustRegister(Resets)
	prometheus.MustRegister(Connected)
	prometheus.MustRegister(Rooms)
	prometheus.MustRegister(SendDropped)
	prometheus.MustRegister(MirrorErrors)
}
