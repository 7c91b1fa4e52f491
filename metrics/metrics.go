// Package metrics exposes prometheus collectors for the signaling
// server. Counters are incremented by the service layer; room and
// member gauges are sampled from the directory on scrape.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Joins        prometheus.Counter
	Leaves       prometheus.Counter
	FloorClaims  prometheus.Counter
	Relayed      prometheus.Counter
	RelayDropped prometheus.Counter
}

// New registers all collectors on reg. stats is sampled on every
// scrape for the room/member gauges.
func New(reg prometheus.Registerer, stats func() (rooms, members int)) *Metrics {
	m := &Metrics{
		Joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telsiz_joins_total",
			Help: "Successful room joins.",
		}),
		Leaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telsiz_leaves_total",
			Help: "Room departures, explicit or by disconnect.",
		}),
		FloorClaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telsiz_floor_claims_total",
			Help: "Floor claims broadcast to room members.",
		}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telsiz_negotiate_relayed_total",
			Help: "Negotiation messages relayed to their target.",
		}),
		RelayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telsiz_negotiate_dropped_total",
			Help: "Negotiation messages dropped because the target was unreachable.",
		}),
	}

	reg.MustRegister(m.Joins, m.Leaves, m.FloorClaims, m.Relayed, m.RelayDropped)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "telsiz_rooms",
		Help: "Rooms with at least one member.",
	}, func() float64 {
		rooms, _ := stats()
		return float64(rooms)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "telsiz_members",
		Help: "Members currently joined to a room.",
	}, func() float64 {
		_, members := stats()
		return float64(members)
	}))
	return m
}
