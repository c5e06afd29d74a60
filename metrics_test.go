package torrent

import (
	"testing"
	"time"

	"github.com/anacrolix/sync"
	"github.com/go-quicktest/qt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/peerforge/torrent/torrenttest"
)

func TestEngineMetrics(t *testing.T) {
	cfg := TestingConfig(t)
	cfg.Registerer = prometheus.NewRegistry()
	e, err := NewEngine(cfg)
	qt.Assert(t, qt.IsNil(err))
	defer e.Close()
	// The same collectors can't be registered twice.
	_, err = NewEngine(cfg)
	qt.Check(t, qt.IsNotNil(err))

	data := torrenttest.Random(1<<15, 1<<16)
	tor, err := e.AddTorrent(&TorrentSpec{InfoHash: data.InfoHash, InfoBytes: data.InfoBytes})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(tor.Start()))
	for tor.State() != Downloading {
		qt.Assert(t, qt.IsNil(e.Tick()))
	}
	seeder := torrenttest.NewSeeder("seeder:1", data.NumPieces())
	qt.Assert(t, qt.IsNil(tor.HandlePeerConnected(seeder)))
	qt.Check(t, qt.Equals(testutil.ToFloat64(e.metrics.connectedPeers), 1))
	qt.Assert(t, qt.IsNil(e.Tick()))
	qt.Check(t, qt.Equals(testutil.ToFloat64(e.metrics.requestsSent), float64(len(seeder.Sent())-1)))
	qt.Check(t, qt.Equals(testutil.ToFloat64(e.metrics.stateTransitions.WithLabelValues("stopped", "hashing")), 1))

	qt.Assert(t, qt.IsNil(e.RemoveTorrent(data.InfoHash)))
	qt.Check(t, qt.Equals(testutil.ToFloat64(e.metrics.connectedPeers), 0))
	qt.Check(t, qt.IsTrue(seeder.Closed()))
}

func TestRequestTimeoutsCounted(t *testing.T) {
	cfg := TestingConfig(t)
	var (
		mu  sync.Mutex
		now = time.Now()
	)
	cfg.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e, err := NewEngine(cfg)
	qt.Assert(t, qt.IsNil(err))
	defer e.Close()
	data := torrenttest.Random(1<<15, 1<<16)
	tor, err := e.AddTorrent(&TorrentSpec{InfoHash: data.InfoHash, InfoBytes: data.InfoBytes})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(tor.Start()))
	for tor.State() != Downloading {
		qt.Assert(t, qt.IsNil(e.Tick()))
	}
	seeder := torrenttest.NewSeeder("seeder:1", data.NumPieces())
	qt.Assert(t, qt.IsNil(tor.HandlePeerConnected(seeder)))
	qt.Assert(t, qt.IsNil(e.Tick()))
	reqs := seeder.Take(pp.Request)
	qt.Assert(t, qt.Not(qt.HasLen(reqs, 0)))
	qt.Check(t, qt.Equals(testutil.ToFloat64(e.metrics.requestTimeouts), 0))

	mu.Lock()
	now = now.Add(cfg.RequestTimeout)
	mu.Unlock()
	qt.Assert(t, qt.IsNil(e.Tick()))
	qt.Check(t, qt.Equals(testutil.ToFloat64(e.metrics.requestTimeouts), float64(len(reqs))))
	// Sweeps that free nothing don't count.
	mu.Lock()
	now = now.Add(cfg.TimeoutSweepInterval)
	mu.Unlock()
	qt.Assert(t, qt.IsNil(e.Tick()))
	qt.Check(t, qt.Equals(testutil.ToFloat64(e.metrics.requestTimeouts), float64(len(reqs))))
}
