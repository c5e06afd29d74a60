package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/c2h5oh/datasize"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/peerforge/torrent"
	"github.com/peerforge/torrent/storage"
	"github.com/peerforge/torrent/torrenttest"
)

type simCmd struct {
	Size         datasize.ByteSize `default:"8MB" help:"total size of the generated torrent"`
	PieceLength  datasize.ByteSize `default:"256KB"`
	Files        int               `default:"3" help:"files the data is split over"`
	Seeders      int               `default:"4"`
	BadPeers     int               `help:"seeders that corrupt the first byte of every block"`
	Latency      time.Duration     `default:"5ms" help:"delay before a peer answers requests"`
	DownloadRate datasize.ByteSize `help:"download limit per second, 0 is unlimited"`
	Timeout      time.Duration     `default:"5m"`
}

// A seeder in the simulated swarm. It answers requests from its own goroutine.
type simPeer struct {
	*torrenttest.Peer
	bad bool
}

type swarm struct {
	data  *torrenttest.Torrent
	peers map[string]*simPeer
	// Dialed peers are handed to their serving goroutine here.
	dialed chan *simPeer
}

func (me *simCmd) generate() (*torrenttest.Torrent, error) {
	if me.PieceLength == 0 || me.PieceLength.Bytes()%16384 != 0 {
		return nil, fmt.Errorf("piece length %v isn't a multiple of 16KiB", me.PieceLength.HR())
	}
	files := max(me.Files, 1)
	lengths := make([]int64, files)
	for i := range lengths {
		lengths[i] = int64(me.Size.Bytes()) / int64(files)
	}
	lengths[0] += int64(me.Size.Bytes()) % int64(files)
	return torrenttest.Random(int64(me.PieceLength.Bytes()), lengths...), nil
}

func (me *simCmd) run(ctx context.Context, cfg *torrent.EngineConfig, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, me.Timeout)
	defer cancel()
	data, err := me.generate()
	if err != nil {
		return err
	}
	s := &swarm{
		data:   data,
		peers:  make(map[string]*simPeer),
		dialed: make(chan *simPeer, me.Seeders),
	}
	var pis []torrent.PeerInfo
	for i := range me.Seeders {
		addr := fmt.Sprintf("10.0.%d.%d:6881", i/256, i%256)
		s.peers[addr] = &simPeer{
			Peer: torrenttest.NewSeeder(addr, data.NumPieces()),
			bad:  i < me.BadPeers,
		}
		pis = append(pis, torrent.PeerInfo{Addr: addr, Source: torrent.PeerSourceDirect})
	}

	cfg.DefaultStorage = torrent.MemoryStorage(storage.NewMemoryFS())
	cfg.DisableTrackers = true
	cfg.Dht = nil
	if me.DownloadRate != 0 {
		cfg.DownloadRateLimiter = rateLimiter(me.DownloadRate)
	}
	cfg.DialPeer = func(ctx context.Context, t *torrent.Torrent, pi torrent.PeerInfo) {
		p, ok := s.peers[pi.Addr]
		if !ok {
			t.DialFailed(pi)
			return
		}
		select {
		case s.dialed <- p:
		case <-ctx.Done():
		}
	}
	var (
		mu       sync.Mutex
		finished = make(chan struct{})
		seeding  bool
	)
	cfg.Callbacks.StateChanged = append(cfg.Callbacks.StateChanged, func(sc torrent.StateChange) {
		fmt.Fprintf(w, "%v: %v -> %v\n", sc.Torrent, sc.Old, sc.New)
		mu.Lock()
		defer mu.Unlock()
		if sc.New == torrent.Seeding && !seeding {
			seeding = true
			close(finished)
		}
	})
	e, err := torrent.NewEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	t, err := e.AddTorrent(&torrent.TorrentSpec{
		InfoHash:    data.InfoHash,
		InfoBytes:   data.InfoBytes,
		DisplayName: "sim",
	})
	if err != nil {
		return fmt.Errorf("adding torrent: %w", err)
	}
	if _, err := t.AddPeers(pis...); err != nil {
		return err
	}
	started := time.Now()
	if err := t.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case p := <-s.dialed:
				g.Go(func() error { return s.serve(ctx, t, p, me.Latency) })
			case <-ctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		defer cancel()
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-finished:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("torrent didn't complete: %w", ctx.Err())
			case <-tick.C:
				printStats(w, t, data, started)
			}
		}
	})
	err = g.Wait()
	printStats(w, t, data, started)
	if err != nil {
		return err
	}
	elapsed := time.Since(started)
	fmt.Fprintf(w, "downloaded %s in %v (%s/s), %d hash fails\n",
		humanize.Bytes(uint64(len(data.Data))),
		elapsed.Round(time.Millisecond),
		humanize.Bytes(uint64(float64(len(data.Data))/elapsed.Seconds())),
		t.HashFails())
	return nil
}

// Connects p and answers its requests until it's closed or ctx is done.
func (s *swarm) serve(ctx context.Context, t *torrent.Torrent, p *simPeer, latency time.Duration) error {
	if err := t.HandlePeerConnected(p); err != nil {
		log.Levelf(log.Debug, "connecting %v: %v", p, err)
		return nil
	}
	for !p.Closed() {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(latency):
		}
		for _, req := range p.Take(pp.Request) {
			msg := s.data.Answer(req)
			if p.bad {
				msg.Piece[0] ^= 0xff
			}
			if err := t.HandleMessage(p, msg); err != nil {
				log.Levelf(log.Debug, "%v sending block: %v", p, err)
			}
		}
		// Cancels and interest don't change what a seeder does.
		p.Take(pp.Cancel)
		p.Take(pp.Interested)
		p.Take(pp.NotInterested)
		p.Take(pp.Have)
	}
	return nil
}

func printStats(w io.Writer, t *torrent.Torrent, data *torrenttest.Torrent, started time.Time) {
	stats := t.Stats()
	fmt.Fprintf(w, "%v: %v %q: %s/%s (%.1f%%), %d peers, %d requests, %d hash fails, endgame %v\n",
		time.Since(started).Round(time.Millisecond),
		stats.State,
		t.Name(),
		humanize.Bytes(uint64(stats.PercentComplete/100*float64(len(data.Data)))),
		humanize.Bytes(uint64(len(data.Data))),
		stats.PercentComplete,
		stats.ConnectedPeers,
		stats.Requests,
		stats.HashFails,
		stats.InEndGame)
}
