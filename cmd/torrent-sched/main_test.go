package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerforge/torrent"
	"github.com/peerforge/torrent/bitfield"
	"github.com/peerforge/torrent/storage"
	"github.com/peerforge/torrent/torrenttest"
)

func TestSimCompletes(t *testing.T) {
	cfg := torrent.NewDefaultEngineConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ListenPort = 0
	cfg.DataDir = t.TempDir()
	sim := simCmd{
		Size:        512 * datasize.KB,
		PieceLength: 64 * datasize.KB,
		Files:       2,
		Seeders:     3,
		Latency:     time.Millisecond,
		Timeout:     time.Minute,
	}
	var out bytes.Buffer
	require.NoError(t, sim.run(context.Background(), cfg, &out))
	assert.Contains(t, out.String(), "-> Seeding")
}

func TestSimRejectsOddPieceLength(t *testing.T) {
	sim := simCmd{Size: datasize.MB, PieceLength: 1000, Timeout: time.Minute}
	err := sim.run(context.Background(), torrent.NewDefaultEngineConfig(), new(bytes.Buffer))
	assert.Error(t, err)
}

func TestLoadEngineConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
MaxConnections: 7
TickInterval: 250ms
InitialSeeding: true
DownloadRate: 2MB
`), 0o600))
	cfg, err := loadEngineConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxConnections)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.True(t, cfg.InitialSeeding)
	assert.EqualValues(t, 2<<20, cfg.DownloadRateLimiter.Limit())
	assert.Equal(t, 2<<20, cfg.DownloadRateLimiter.Burst())

	_, err = parseRate("fast")
	assert.Error(t, err)
}

func TestResumeList(t *testing.T) {
	dir := t.TempDir()
	s, err := storage.NewBoltResumeStore(dir)
	require.NoError(t, err)
	data := torrenttest.Random(16384, 4*16384)
	bf, err := bitfield.FromIndices(4, 0, 2)
	require.NoError(t, err)
	b, err := torrent.FastResume{InfoHash: data.InfoHash, NumPieces: 4, BitField: bf}.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, s.Set(data.InfoHash, b))
	require.NoError(t, s.Close())

	var out bytes.Buffer
	require.NoError(t, (&resumeCmd{Dir: dir}).run(&out))
	assert.Equal(t, data.InfoHash.HexString()+": 2/4 pieces verified (50.0%)\n", out.String())
}
