package torrent

import (
	"testing"

	"github.com/anacrolix/log"

	"github.com/peerforge/torrent/storage"
)

// TestingConfig returns a config for an engine that only ticks through Engine.Tick, with
// discovery disabled and data kept in memory.
func TestingConfig(t testing.TB) *EngineConfig {
	cfg := NewDefaultEngineConfig()
	cfg.DataDir = t.TempDir()
	cfg.DefaultStorage = MemoryStorage(storage.NewMemoryFS())
	cfg.NoTicker = true
	cfg.DisableTrackers = true
	cfg.ListenPort = 0
	cfg.HashWorkers = 2
	cfg.Logger = log.Default.WithNames(t.Name())
	//cfg.Logger = cfg.Logger.WithFilterLevel(log.Debug)
	return cfg
}
