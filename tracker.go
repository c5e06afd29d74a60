package torrent

import (
	"context"
	"errors"
	"time"

	"github.com/anacrolix/log"

	"github.com/anacrolix/torrent/tracker"
)

const trackerAnnounceTimeout = 15 * time.Second

// Transfer totals reported to trackers.
type AnnounceStats struct {
	Downloaded int64
	Uploaded   int64
	Left       int64
}

// TrackerManager announces a torrent to its trackers and returns the peers they give back.
// Announce is called off the main loop.
type TrackerManager interface {
	Announce(ctx context.Context, event tracker.AnnounceEvent, stats AnnounceStats) ([]PeerInfo, error)
}

// Announces to each of a torrent's tracker URLs in turn.
type urlTrackerManager struct {
	urls     []string
	infoHash [20]byte
	peerId   [20]byte
	port     int
	logger   log.Logger
}

func newTrackerAnnouncer(t *Torrent) *urlTrackerManager {
	return &urlTrackerManager{
		urls:     t.trackers,
		infoHash: t.infoHash,
		peerId:   t.engine.config.PeerID,
		port:     t.engine.config.ListenPort,
		logger:   t.logger.WithNames("tracker"),
	}
}

func (me *urlTrackerManager) Announce(ctx context.Context, event tracker.AnnounceEvent, stats AnnounceStats) (peers []PeerInfo, err error) {
	var errs []error
	for _, u := range me.urls {
		annCtx, cancel := context.WithTimeout(ctx, trackerAnnounceTimeout)
		res, annErr := tracker.Announce{
			TrackerUrl: u,
			Request: tracker.AnnounceRequest{
				InfoHash:   me.infoHash,
				PeerId:     me.peerId,
				Downloaded: stats.Downloaded,
				Left:       stats.Left,
				Uploaded:   stats.Uploaded,
				Event:      event,
				NumWant:    -1,
				Port:       uint16(me.port),
			},
			Context: annCtx,
			Logger:  me.logger,
		}.Do()
		cancel()
		if annErr != nil {
			me.logger.Levelf(log.Debug, "announcing to %q: %v", u, annErr)
			errs = append(errs, annErr)
			continue
		}
		peers = peerInfos(peers).AppendFromTracker(res.Peers)
	}
	if len(peers) == 0 && len(errs) == len(me.urls) {
		err = errors.Join(errs...)
	}
	return
}

func (t *Torrent) announceStats() (ret AnnounceStats) {
	if !t.haveInfo() {
		return
	}
	ret.Left = t.info.TotalLength()
	t.bitfield.Iterate(func(i int) bool {
		ret.Left -= t.info.Piece(i).Length()
		return true
	})
	ret.Downloaded = t.info.TotalLength() - ret.Left
	return
}

// Announces event to the trackers in the background. Peers that come back are added as candidates.
func (t *Torrent) announce(event tracker.AnnounceEvent) {
	if t.trackerManager == nil || t.engine.config.DisableTrackers {
		return
	}
	stats := t.announceStats()
	ctx := t.ctx
	if event == tracker.Stopped {
		// Let the stop announce finish after the torrent's own context ends.
		ctx = context.WithoutCancel(ctx)
	}
	go func() {
		peers, err := t.trackerManager.Announce(ctx, event, stats)
		if err != nil {
			t.logger.Levelf(log.Warning, "announcing %v: %v", event, err)
			return
		}
		if len(peers) == 0 {
			return
		}
		t.engine.loop.Queue(func() {
			t.peersDiscovered(PeerSourceTracker, peers)
		})
	}()
}
