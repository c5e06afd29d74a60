package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/elliotchance/orderedmap"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/tracker"

	"github.com/peerforge/torrent/bitfield"
	requestStrategy "github.com/peerforge/torrent/request-strategy"
	"github.com/peerforge/torrent/storage"
	"github.com/peerforge/torrent/types"
)

// Torrent schedules the download and upload of one torrent. All of its state is owned by the
// engine's main loop: exported methods post their work there and wait for it.
type Torrent struct {
	engine   *Engine
	logger   log.Logger
	infoHash metainfo.Hash
	name     string
	trackers []string
	// Background work such as announces and hashing stops when this is done.
	ctx    context.Context
	cancel context.CancelFunc

	// Nil until the metadata is known.
	info      *metainfo.Info
	infoBytes []byte
	private   bool
	disk      storage.Disk

	bitfield     *bitfield.BitField
	files        []requestStrategy.File
	picker       requestStrategy.Picker
	availability *requestStrategy.PieceAvailability
	// Pieces with every block received that are being written or hashed.
	unverified     *bitfield.BitField
	writesInFlight map[int]int
	hashesInFlight int

	mode        Mode
	hashChecked bool
	lastError   error
	hashFails   int

	// PeerConn to *peerState, in the order they connected.
	peers *orderedmap.OrderedMap
	// Candidate addresses to PeerInfo, oldest first.
	availablePeers *orderedmap.OrderedMap
	inactivePeers  map[string]struct{}
	dialing        map[string]struct{}

	trackerManager   TrackerManager
	announcedStarted bool
	dhtStarted       bool
	lastSweep        time.Time
	lastDhtAnnounce  time.Time
	removed          bool
}

// What's needed to add a torrent to an Engine. Without InfoBytes the torrent starts in metadata
// mode.
type TorrentSpec struct {
	InfoHash    metainfo.Hash
	InfoBytes   []byte
	DisplayName string
	Trackers    []string
}

func TorrentSpecFromMetaInfo(mi *metainfo.MetaInfo) (*TorrentSpec, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("unmarshalling info: %w", err)
	}
	spec := &TorrentSpec{
		InfoHash:    mi.HashInfoBytes(),
		InfoBytes:   mi.InfoBytes,
		DisplayName: info.BestName(),
	}
	for _, tier := range mi.UpvertedAnnounceList() {
		spec.Trackers = append(spec.Trackers, tier...)
	}
	return spec, nil
}

func TorrentSpecFromMagnetUri(uri string) (*TorrentSpec, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return nil, err
	}
	return &TorrentSpec{
		InfoHash:    m.InfoHash,
		DisplayName: m.DisplayName,
		Trackers:    m.Trackers,
	}, nil
}

func newTorrent(e *Engine, spec *TorrentSpec) *Torrent {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Torrent{
		engine:         e,
		infoHash:       spec.InfoHash,
		name:           spec.DisplayName,
		trackers:       spec.Trackers,
		ctx:            ctx,
		cancel:         cancel,
		writesInFlight: make(map[int]int),
		peers:          orderedmap.NewOrderedMap(),
		availablePeers: orderedmap.NewOrderedMap(),
		inactivePeers:  make(map[string]struct{}),
		dialing:        make(map[string]struct{}),
	}
	if t.name == "" {
		t.name = spec.InfoHash.HexString()
	}
	t.logger = e.logger.WithNames("torrent", t.name)
	if newTm := e.config.NewTrackerManager; newTm != nil {
		t.trackerManager = newTm(t)
	} else if len(t.trackers) != 0 {
		t.trackerManager = newTrackerAnnouncer(t)
	}
	t.mode = &stoppedMode{modeBase{t}}
	return t
}

func (t *Torrent) InfoHash() metainfo.Hash {
	return t.infoHash
}

func (t *Torrent) Name() string {
	return t.name
}

func (t *Torrent) String() string {
	return t.name
}

// Runs f on the main loop and waits for it.
func (t *Torrent) do(f func() error) error {
	return t.engine.loop.QueueWait(f)
}

// Like do, for operations that act on the torrent. They fail once it's been removed.
func (t *Torrent) act(f func() error) error {
	return t.do(func() error {
		if t.removed {
			return ErrTorrentRemoved
		}
		return f()
	})
}

func (t *Torrent) State() (s State) {
	t.do(func() error {
		s = t.mode.State()
		return nil
	})
	return
}

// The fault that put the torrent in the Error state, until it's stopped.
func (t *Torrent) LastError() (err error) {
	t.do(func() error {
		err = t.lastError
		return nil
	})
	return
}

func (t *Torrent) HashFails() (n int) {
	t.do(func() error {
		n = t.hashFails
		return nil
	})
	return
}

func (t *Torrent) HashChecked() (ok bool) {
	t.do(func() error {
		ok = t.hashChecked
		return nil
	})
	return
}

// A copy of the verified pieces, or nil without metadata.
func (t *Torrent) BitField() (bf *bitfield.BitField) {
	t.do(func() error {
		if t.bitfield != nil {
			bf = t.bitfield.Clone()
		}
		return nil
	})
	return
}

func (t *Torrent) IsInEndGame() (ok bool) {
	t.do(func() error {
		ok = t.mode.State() == Downloading && t.picker != nil && requestStrategy.IsInEndGame(t.picker)
		return nil
	})
	return
}

func (t *Torrent) complete() bool {
	return t.bitfield != nil && t.bitfield.AllTrue()
}

func (t *Torrent) haveInfo() bool {
	return t.info != nil
}

func (t *Torrent) numPieces() int {
	return t.info.NumPieces()
}

func (t *Torrent) invalidState(op string) error {
	return &InvalidStateError{Op: op, State: t.mode.State()}
}

// Sets up everything that depends on the info dictionary.
func (t *Torrent) setInfoBytes(b []byte) error {
	if !bytes.Equal(t.infoHash[:], hashBytes(b)) {
		return ErrInfoHashMismatch
	}
	info := new(metainfo.Info)
	if err := bencode.Unmarshal(b, info); err != nil {
		return fmt.Errorf("unmarshalling info: %w", err)
	}
	if info.PieceLength <= 0 {
		return fmt.Errorf("bad piece length %v", info.PieceLength)
	}
	// The picker's geometry comes from the lengths, the bitfields and storage from the hashes.
	if want := (info.TotalLength() + info.PieceLength - 1) / info.PieceLength; len(info.Pieces)%20 != 0 || int64(len(info.Pieces)/20) != want {
		return fmt.Errorf("%w: %d bytes of hashes for %d pieces", ErrBadPieceCount, len(info.Pieces), want)
	}
	disk, err := t.engine.config.DefaultStorage(info, t.engine.config.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	n := info.NumPieces()
	t.availability = requestStrategy.NewPieceAvailability(n)
	picker, err := requestStrategy.NewDefaultPicker(requestStrategy.Config{
		Info: requestStrategy.Info{
			PieceLength: info.PieceLength,
			TotalLength: info.TotalLength(),
		},
		RequestTimeout: t.engine.config.RequestTimeout,
		Availability:   t.availability,
		Now:            t.engine.config.Now,
		DisableEndGame: t.engine.config.DisableEndGame,
		OnEndGame:      t.endGameEvent,
	})
	if err != nil {
		disk.Close()
		return err
	}
	t.info = info
	t.infoBytes = b
	t.private = info.Private != nil && *info.Private
	t.disk = disk
	if t.name == t.infoHash.HexString() {
		t.name = info.BestName()
	}
	t.bitfield = bitfield.New(n)
	t.unverified = bitfield.New(n)
	var (
		paths   []string
		lengths []int64
	)
	for _, fl := range storage.LayoutFiles(info) {
		paths = append(paths, fl.Path)
		lengths = append(lengths, fl.Length)
	}
	t.files = requestStrategy.FilesFromLengths(info.PieceLength, paths, lengths)
	t.picker = picker
	t.picker.Initialise(t.bitfield, t.files, nil)
	for _, ps := range t.peerStates() {
		t.countPeerPieces(ps)
		t.updateInterest(ps)
	}
	return nil
}

func hashBytes(b []byte) []byte {
	h := sha1.Sum(b)
	return h[:]
}

// SetInfoBytes provides the info dictionary for a torrent added without it, such as from a magnet
// link. A torrent waiting in metadata mode goes on to hash check and start.
func (t *Torrent) SetInfoBytes(b []byte) error {
	return t.act(func() error {
		if t.haveInfo() {
			return nil
		}
		if err := t.setInfoBytes(b); err != nil {
			return err
		}
		t.saveTorrentFile()
		if t.mode.State() == Metadata {
			return t.hashCheck(true)
		}
		return nil
	})
}

func (t *Torrent) saveTorrentFile() {
	dir := t.engine.config.TorrentSaveDir
	if dir == "" {
		return
	}
	mi := metainfo.MetaInfo{InfoBytes: t.infoBytes}
	if len(t.trackers) != 0 {
		mi.Announce = t.trackers[0]
		mi.AnnounceList = metainfo.AnnounceList{t.trackers}
	}
	err := func() error {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
		f, err := os.Create(filepath.Join(dir, t.infoHash.HexString()+".torrent"))
		if err != nil {
			return err
		}
		defer f.Close()
		return mi.Write(f)
	}()
	if err != nil {
		t.logger.Levelf(log.Warning, "saving .torrent: %v", err)
	}
}

// Start begins or resumes the torrent. Torrents without metadata go to metadata mode, and torrents
// that haven't been checked are hash checked first.
func (t *Torrent) Start() error {
	return t.act(t.start)
}

func (t *Torrent) start() error {
	switch t.mode.State() {
	case Paused:
		t.setMode(newDownloadMode(t))
		return nil
	case Error, Stopping:
		return t.invalidState("start")
	case Stopped:
	default:
		return nil
	}
	if !t.haveInfo() {
		t.setMode(&metadataMode{modeBase{t}})
		t.startDht()
		return nil
	}
	t.verifyHashState()
	if !t.hashChecked {
		return t.hashCheck(true)
	}
	t.startChecked()
	return nil
}

// Moves a hash checked torrent into the mode its completeness calls for.
func (t *Torrent) startChecked() {
	panicif.False(t.hashChecked)
	t.announce(tracker.Started)
	t.announcedStarted = true
	t.picker.Reset()
	t.lastSweep = t.now()
	if t.complete() && t.engine.config.InitialSeeding {
		t.setMode(&initialSeedingMode{modeBase{t}})
	} else {
		t.setMode(newDownloadMode(t))
	}
	t.startDht()
}

// Clears HashChecked if a file that should hold verified data has gone missing.
func (t *Torrent) verifyHashState() {
	if !t.hashChecked {
		return
	}
	for i, f := range t.files {
		if f.Length == 0 {
			continue
		}
		verified := false
		for p := f.StartPieceIndex; p <= f.EndPieceIndex && !verified; p++ {
			verified = t.bitfield.Has(p)
		}
		if !verified {
			continue
		}
		exists, err := t.disk.CheckFileExists(i)
		if err != nil {
			t.logger.Levelf(log.Warning, "checking %q exists: %v", f.Path, err)
		}
		if err != nil || !exists {
			t.logger.Levelf(log.Info, "%q is missing, forcing hash check", f.Path)
			t.hashChecked = false
			return
		}
	}
}

// HashCheck verifies the stored data of a stopped torrent. With autoStart the torrent starts once
// the check passes, otherwise it returns to Stopped.
func (t *Torrent) HashCheck(autoStart bool) error {
	return t.act(func() error {
		return t.hashCheck(autoStart)
	})
}

func (t *Torrent) hashCheck(autoStart bool) error {
	if !t.mode.CanHashCheck() {
		return t.invalidState("hash check")
	}
	if !t.haveInfo() {
		return ErrNoMetadata
	}
	m := &hashingMode{modeBase: modeBase{t}, autoStart: autoStart}
	t.setMode(m)
	m.start()
	return nil
}

// Stop disconnects every peer and stops the torrent. A torrent in the Error state goes straight to
// Stopped, clearing the error.
func (t *Torrent) Stop() error {
	return t.act(t.stop)
}

func (t *Torrent) stop() error {
	switch t.mode.State() {
	case Error:
		t.lastError = nil
		t.setMode(&stoppedMode{modeBase{t}})
		return nil
	case Stopped, Stopping:
		return nil
	}
	if m, ok := t.mode.(*hashingMode); ok {
		m.cancel()
	}
	if t.picker != nil {
		t.picker.Reset()
	}
	if t.announcedStarted {
		t.announce(tracker.Stopped)
		t.announcedStarted = false
	}
	t.setMode(&stoppingMode{modeBase{t}})
	return nil
}

// Pause keeps peers connected but stops exchanging data with them. Outstanding requests are
// dropped without cancels.
func (t *Torrent) Pause() error {
	return t.act(func() error {
		switch t.mode.State() {
		case Paused:
			return nil
		case Downloading, Seeding, InitialSeeding:
		default:
			return t.invalidState("pause")
		}
		t.picker.Reset()
		for _, ps := range t.peerStates() {
			ps.uploadQueue = nil
		}
		t.setMode(&pausedMode{modeBase{t}})
		return nil
	})
}

// Puts the torrent in the Error state after a fault that makes its data untrustworthy.
func (t *Torrent) fail(err error) {
	if t.mode.State() == Error {
		return
	}
	t.logger.Levelf(log.Error, "%v", err)
	if m, ok := t.mode.(*hashingMode); ok {
		m.cancel()
	}
	t.lastError = err
	if t.picker != nil {
		t.picker.Reset()
	}
	t.setMode(&errorMode{modeBase{t}})
}

// SetFilePriority changes which pieces are wanted, and in what order.
func (t *Torrent) SetFilePriority(file int, prio types.PiecePriority) error {
	return t.act(func() error {
		if !t.haveInfo() {
			return ErrNoMetadata
		}
		if file < 0 || file >= len(t.files) {
			return fmt.Errorf("file index %v out of range", file)
		}
		t.files[file].Priority = prio
		requestStrategy.UpdatePriorities(t.picker)
		for _, ps := range t.peerStates() {
			t.updateInterest(ps)
		}
		return nil
	})
}

type File struct {
	Path     string
	Length   int64
	Priority types.PiecePriority
	// Fraction of the file's pieces that are verified.
	Progress float64
}

func (t *Torrent) Files() (ret []File) {
	t.do(func() error {
		for _, f := range t.files {
			ret = append(ret, File{
				Path:     f.Path,
				Length:   f.Length,
				Priority: f.Priority,
				Progress: t.fileBitField(f).PercentComplete() / 100,
			})
		}
		return nil
	})
	return
}

// The completion of the pieces covering f.
func (t *Torrent) fileBitField(f requestStrategy.File) *bitfield.BitField {
	ret := bitfield.New(max(f.EndPieceIndex-f.StartPieceIndex+1, 0))
	for i := range ret.Len() {
		ret.Set(i, t.bitfield.Has(f.StartPieceIndex+i))
	}
	return ret
}

// MoveFile is only allowed while Stopped.
func (t *Torrent) MoveFile(file int, path string) error {
	return t.act(func() error {
		if !t.haveInfo() {
			return ErrNoMetadata
		}
		if t.mode.State() != Stopped {
			return t.invalidState("move files")
		}
		if err := t.disk.MoveFile(file, path); err != nil {
			return err
		}
		t.files[file].Path = path
		return nil
	})
}

// MoveFiles is only allowed while Stopped.
func (t *Torrent) MoveFiles(newRoot string, overwrite bool) error {
	return t.act(func() error {
		if !t.haveInfo() {
			return ErrNoMetadata
		}
		if t.mode.State() != Stopped {
			return t.invalidState("move files")
		}
		return t.disk.MoveFiles(newRoot, overwrite)
	})
}

type TorrentStats struct {
	State           State
	PercentComplete float64
	ConnectedPeers  int
	AvailablePeers  int
	Requests        int
	HashFails       int
	InEndGame       bool
}

func (t *Torrent) Stats() (ret TorrentStats) {
	t.do(func() error {
		ret = t.stats()
		return nil
	})
	return
}

func (t *Torrent) stats() TorrentStats {
	ret := TorrentStats{
		State:          t.mode.State(),
		ConnectedPeers: t.peers.Len(),
		AvailablePeers: t.availablePeers.Len(),
		HashFails:      t.hashFails,
	}
	if t.haveInfo() {
		ret.PercentComplete = t.bitfield.PercentComplete()
		ret.Requests = t.picker.CurrentRequestCount()
		ret.InEndGame = requestStrategy.IsInEndGame(t.picker)
	}
	return ret
}

func (t *Torrent) now() time.Time {
	return t.engine.config.Now()
}

// Drops everything the torrent is doing. Used when it's removed from the engine.
func (t *Torrent) close() {
	t.removed = true
	t.saveResumeData()
	t.cancel()
	for _, p := range t.connectedPeers() {
		t.dropPeer(p)
	}
	// Writes and hashes still in flight complete against a disk that's no longer the torrent's,
	// and are ignored.
	if disk := t.disk; disk != nil {
		t.disk = nil
		if err := disk.Close(); err != nil {
			t.logger.Levelf(log.Warning, "closing storage: %v", err)
		}
	}
}
