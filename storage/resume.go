package storage

import (
	"os"

	"github.com/anacrolix/log"

	"github.com/anacrolix/torrent/metainfo"
)

// ResumeStore persists the opaque fast resume blob of each torrent, keyed by infohash.
// Implementations must be safe for concurrent use.
type ResumeStore interface {
	Get(ih metainfo.Hash) (data []byte, ok bool, err error)
	Set(ih metainfo.Hash, data []byte) error
	Delete(ih metainfo.Hash) error
	// Infohashes with stored data, in no particular order.
	List() ([]metainfo.Hash, error)
	// Whether the data outlives the process.
	Persistent() bool
	Close() error
}

// ResumeStoreForDir opens a bolt resume store in dir, falling back to an in-memory store if that
// isn't possible.
func ResumeStoreForDir(dir string) (ret ResumeStore) {
	os.MkdirAll(dir, 0o700)
	ret, err := NewBoltResumeStore(dir)
	if err != nil {
		log.Levelf(log.Warning, "couldn't open resume db in %q: %s", dir, err)
		ret = NewMapResumeStore()
	}
	return
}
