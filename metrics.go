package torrent

import (
	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	requestsSent     prometheus.Counter
	cancelsSent      prometheus.Counter
	blocksReceived   prometheus.Counter
	blocksRejected   prometheus.Counter
	requestTimeouts  prometheus.Counter
	piecesHashed     *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	connectedPeers   prometheus.Gauge
	ticks            prometheus.Counter
}

func newEngineMetrics() *engineMetrics {
	const ns = "torrent"
	return &engineMetrics{
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_sent_total",
			Help:      "Block requests sent to peers.",
		}),
		cancelsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cancels_sent_total",
			Help:      "Cancels sent for endgame duplicates that lost the race.",
		}),
		blocksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "blocks_received_total",
			Help:      "Blocks accepted from peers.",
		}),
		blocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "blocks_rejected_total",
			Help:      "Blocks that didn't match an outstanding request.",
		}),
		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "request_timeouts_total",
			Help:      "Requests freed after timing out.",
		}),
		piecesHashed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "pieces_hashed_total",
			Help:      "Piece hash checks by result.",
		}, []string{"passed"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "state_transitions_total",
			Help:      "Torrent state transitions.",
		}, []string{"old", "new"}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "connected_peers",
			Help:      "Peers connected across all torrents.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ticks_total",
			Help:      "Scheduler ticks.",
		}),
	}
}

func (me *engineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		me.requestsSent,
		me.cancelsSent,
		me.blocksReceived,
		me.blocksRejected,
		me.requestTimeouts,
		me.piecesHashed,
		me.stateTransitions,
		me.connectedPeers,
		me.ticks,
	}
}

func (me *engineMetrics) register(r prometheus.Registerer) error {
	for _, c := range me.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
