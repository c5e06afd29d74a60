package torrent

import (
	"context"
	"time"

	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/peerforge/torrent/storage"
	"github.com/peerforge/torrent/types"
)

const (
	DefaultTickInterval         = 500 * time.Millisecond
	DefaultRequestTimeout       = 40 * time.Second
	DefaultTimeoutSweepInterval = 2 * time.Second
	DefaultDhtRefreshInterval   = 10 * time.Minute
)

var unlimited = rate.NewLimiter(rate.Inf, 0)

// Contains config elements that are exclusive to peer discovery.
type EngineDiscoveryConfig struct {
	// Don't announce to trackers. This only leaves DHT and manually added peers.
	DisableTrackers bool `long:"disable-trackers"`
	// Nil disables DHT.
	Dht DhtServer
	// How often torrents that are short of peers announce to the DHT.
	DhtRefreshInterval time.Duration `long:"dht-refresh-interval"`
	// Announces to the trackers of a torrent. Defaults to announcing over the network with the
	// tracker package.
	NewTrackerManager func(*Torrent) TrackerManager
}

// Probably not safe to modify this after it's given to an Engine, or to pass it to multiple
// Engines.
type EngineConfig struct {
	EngineDiscoveryConfig

	// Directory torrent data is placed in by the default storage.
	DataDir string `long:"data-dir" description:"directory to store downloaded torrent data"`
	// Opens the storage for a torrent once its info is known.
	DefaultStorage func(info *metainfo.Info, dataDir string) (storage.Disk, error)
	// Persists resume data on every state transition. Nil disables fast resume.
	ResumeStore storage.ResumeStore
	// Where torrents obtained in metadata mode are saved as .torrent files. Empty disables it.
	TorrentSaveDir string `long:"torrent-save-dir"`

	ListenPort int `long:"listen-port"`
	PeerID     types.PeerID

	TickInterval time.Duration `long:"tick-interval"`
	// Don't tick on a timer. Ticks only happen through Engine.Tick.
	NoTicker bool
	// Non-endgame requests outstanding longer than this are given to other peers.
	RequestTimeout       time.Duration `long:"request-timeout"`
	TimeoutSweepInterval time.Duration `long:"timeout-sweep-interval"`
	// Block requests kept outstanding with each peer.
	MaxRequestsPerPeer int `long:"max-requests-per-peer"`
	// Connected peers per torrent.
	MaxConnections int  `long:"max-connections"`
	DisableEndGame bool `long:"disable-endgame"`
	// Seed freshly checked complete torrents by revealing pieces one at a time.
	InitialSeeding bool `long:"initial-seeding"`
	// Concurrent piece hashes per torrent during a hash check.
	HashWorkers int `long:"hash-workers"`

	// Bytes requested per tick are bounded by the tokens available at the start of the tick.
	DownloadRateLimiter *rate.Limiter
	UploadRateLimiter   *rate.Limiter

	// Called for peers that should be connected. The implementation reports the connection with
	// Torrent.HandlePeerConnected. Nil leaves connecting to peers to the caller.
	DialPeer func(ctx context.Context, t *Torrent, peer PeerInfo)

	Callbacks Callbacks

	Logger log.Logger
	// Metrics are registered here. Nil means no registration.
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
	// Clock for request timeouts and maintenance intervals.
	Now func() time.Time
}

func NewDefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		EngineDiscoveryConfig: EngineDiscoveryConfig{
			DhtRefreshInterval: DefaultDhtRefreshInterval,
		},
		DataDir:              ".",
		DefaultStorage:       MemoryStorage(storage.NewMemoryFS()),
		ListenPort:           42069,
		PeerID:               types.RandomPeerID("-PF0001-"),
		TickInterval:         DefaultTickInterval,
		RequestTimeout:       DefaultRequestTimeout,
		TimeoutSweepInterval: DefaultTimeoutSweepInterval,
		MaxRequestsPerPeer:   16,
		MaxConnections:       50,
		HashWorkers:          4,
		DownloadRateLimiter:  unlimited,
		UploadRateLimiter:    unlimited,
		Logger:               log.Default,
		TracerProvider:       otel.GetTracerProvider(),
		Now:                  time.Now,
	}
}

// MemoryStorage opens torrents in fs. The data directory is used as the root of new torrents.
func MemoryStorage(fs *storage.MemoryFS) func(*metainfo.Info, string) (storage.Disk, error) {
	return func(info *metainfo.Info, dataDir string) (storage.Disk, error) {
		return fs.OpenTorrent(info, dataDir), nil
	}
}

// Fills zero values that would otherwise stall the engine.
func (cfg *EngineConfig) setDefaults() {
	def := NewDefaultEngineConfig()
	if cfg.DefaultStorage == nil {
		cfg.DefaultStorage = def.DefaultStorage
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.TimeoutSweepInterval <= 0 {
		cfg.TimeoutSweepInterval = def.TimeoutSweepInterval
	}
	if cfg.DhtRefreshInterval <= 0 {
		cfg.DhtRefreshInterval = def.DhtRefreshInterval
	}
	if cfg.MaxRequestsPerPeer <= 0 {
		cfg.MaxRequestsPerPeer = def.MaxRequestsPerPeer
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.HashWorkers <= 0 {
		cfg.HashWorkers = def.HashWorkers
	}
	if cfg.DownloadRateLimiter == nil {
		cfg.DownloadRateLimiter = unlimited
	}
	if cfg.UploadRateLimiter == nil {
		cfg.UploadRateLimiter = unlimited
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = def.TracerProvider
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PeerID == (types.PeerID{}) {
		cfg.PeerID = def.PeerID
	}
}
