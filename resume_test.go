package torrent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/peerforge/torrent"
	"github.com/peerforge/torrent/bitfield"
	"github.com/peerforge/torrent/storage"
	"github.com/peerforge/torrent/torrenttest"
)

// A config whose storage is fs, with every piece of data already written to it.
func configWithData(t *testing.T, fs *storage.MemoryFS, data *torrenttest.Torrent) *torrent.EngineConfig {
	cfg := torrent.TestingConfig(t)
	cfg.DefaultStorage = torrent.MemoryStorage(fs)
	disk := fs.OpenTorrent(data.Info, cfg.DataDir)
	for i := range data.NumPieces() {
		block := data.Block(i, 0, int(data.Info.Piece(i).Length()))
		require.NoError(t, disk.WriteBlock(i, 0, block))
	}
	return cfg
}

func checkStopped(t *testing.T, tor *torrent.Torrent) {
	t.Helper()
	require.NoError(t, tor.HashCheck(false))
	waitFor(t, func() bool { return tor.State() == torrent.Stopped && tor.HashChecked() })
}

func TestResumeDataSkipsHashCheck(t *testing.T) {
	fs := storage.NewMemoryFS()
	data := testData()
	cfg := configWithData(t, fs, data)
	cfg.ResumeStore = storage.NewMapResumeStore()
	rec := newRecorder(cfg)
	e := newTestEngine(t, cfg)
	tor := addTestTorrent(t, e, data)
	assert.False(t, tor.HashChecked())
	checkStopped(t, tor)
	require.NoError(t, e.RemoveTorrent(data.InfoHash))
	assert.ErrorIs(t, e.RemoveTorrent(data.InfoHash), torrent.ErrUnknownTorrent)

	stored, err := cfg.ResumeStore.List()
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	tor = addTestTorrent(t, e, data)
	assert.True(t, tor.HashChecked())
	assert.True(t, tor.BitField().AllTrue())
	require.NoError(t, tor.Start())
	assert.Equal(t, torrent.Seeding, tor.State())
	assert.Equal(t, [][2]torrent.State{{torrent.Stopped, torrent.Seeding}}, rec.Transitions(tor))
}

func TestMismatchedResumeDataIsDiscarded(t *testing.T) {
	data := testData()
	cfg := torrent.TestingConfig(t)
	cfg.ResumeStore = storage.NewMapResumeStore()
	require.NoError(t, cfg.ResumeStore.Set(data.InfoHash, []byte("d7:versioni1ee")))
	e := newTestEngine(t, cfg)
	tor := addTestTorrent(t, e, data)
	assert.False(t, tor.HashChecked())
	_, ok, err := cfg.ResumeStore.Get(data.InfoHash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMissingFileForcesHashCheck(t *testing.T) {
	fs := storage.NewMemoryFS()
	data := testData()
	cfg := configWithData(t, fs, data)
	e := newTestEngine(t, cfg)
	tor := addTestTorrent(t, e, data)
	checkStopped(t, tor)
	assert.True(t, tor.BitField().AllTrue())

	// The first file covers the first two pieces.
	require.NoError(t, fs.OpenTorrent(data.Info, cfg.DataDir).DeleteFile(0))
	require.NoError(t, tor.Start())
	waitForState(t, tor, torrent.Downloading)
	assert.Equal(t, []int{2, 3}, tor.BitField().Indices())
}

func TestFastResume(t *testing.T) {
	fs := storage.NewMemoryFS()
	data := testData()
	cfg := configWithData(t, fs, data)
	e := newTestEngine(t, cfg)
	tor := addTestTorrent(t, e, data)
	_, err := tor.SaveFastResume()
	assert.ErrorIs(t, err, torrent.ErrNotHashChecked)
	checkStopped(t, tor)

	fr, err := tor.SaveFastResume()
	require.NoError(t, err)
	assert.Equal(t, data.InfoHash, fr.InfoHash)
	assert.Equal(t, data.NumPieces(), fr.NumPieces)
	b, err := fr.MarshalBinary()
	require.NoError(t, err)
	var loaded torrent.FastResume
	require.NoError(t, loaded.UnmarshalBinary(b))
	assert.Equal(t, fr.InfoHash, loaded.InfoHash)
	assert.True(t, loaded.BitField.AllTrue())

	other := testData()
	e2 := newTestEngine(t, torrent.TestingConfig(t))
	tor2 := addTestTorrent(t, e2, other)
	mismatched := loaded
	mismatched.InfoHash = other.InfoHash
	mismatched.NumPieces = 1
	mismatched.BitField = bitfield.New(1)
	assert.ErrorIs(t, tor2.LoadFastResume(mismatched), torrent.ErrResumeMismatch)
	assert.ErrorIs(t, tor2.LoadFastResume(loaded), torrent.ErrResumeMismatch)
	assert.False(t, tor2.HashChecked())

	// A fresh engine over the same data.
	e3 := newTestEngine(t, configWithData(t, fs, data))
	tor3 := addTestTorrent(t, e3, data)
	require.NoError(t, tor3.LoadFastResume(loaded))
	assert.True(t, tor3.HashChecked())
	assert.True(t, tor3.BitField().AllTrue())
	require.NoError(t, tor3.Start())
	assert.Equal(t, torrent.Seeding, tor3.State())
	var ise *torrent.InvalidStateError
	require.ErrorAs(t, tor3.LoadFastResume(loaded), &ise)
	assert.Equal(t, torrent.Seeding, ise.State)
}

func TestInitialSeedingRevealsPiecesOneAtATime(t *testing.T) {
	fs := storage.NewMemoryFS()
	data := testData()
	cfg := configWithData(t, fs, data)
	cfg.InitialSeeding = true
	rec := newRecorder(cfg)
	e := newTestEngine(t, cfg)
	tor := addTestTorrent(t, e, data)
	require.NoError(t, tor.Start())
	waitForState(t, tor, torrent.InitialSeeding)

	// Seeders have nothing to gain from us.
	seeder := torrenttest.NewSeeder("seeder:1", data.NumPieces())
	require.NoError(t, tor.HandlePeerConnected(seeder))
	assert.True(t, seeder.Closed())

	leecher := torrenttest.NewPeer("leecher:1", bitfield.New(data.NumPieces()))
	require.NoError(t, tor.HandlePeerConnected(leecher))
	revealed := make(map[int]bool)
	for tor.State() == torrent.InitialSeeding {
		haves := leecher.Take(pp.Have)
		require.Len(t, haves, 1)
		i := int(haves[0].Index)
		assert.False(t, revealed[i], "piece %v revealed twice", i)
		revealed[i] = true
		// Nothing more is revealed until the leecher has the last piece.
		require.NoError(t, e.Tick())
		if tor.State() != torrent.InitialSeeding {
			break
		}
		assert.Empty(t, leecher.Take(pp.Have))
		require.NoError(t, tor.HandleMessage(leecher, leecher.Have(i)))
		require.NoError(t, e.Tick())
	}
	assert.Len(t, revealed, data.NumPieces())
	assert.Equal(t, torrent.Seeding, tor.State())
	assert.Equal(t, [][2]torrent.State{
		{torrent.Stopped, torrent.Hashing},
		{torrent.Hashing, torrent.InitialSeeding},
		{torrent.InitialSeeding, torrent.Seeding},
	}, rec.Transitions(tor))
}
