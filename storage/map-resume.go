package storage

import (
	"sync"

	"github.com/anacrolix/torrent/metainfo"
)

type mapResumeStore struct {
	mu sync.RWMutex
	m  map[metainfo.Hash][]byte
}

var _ ResumeStore = (*mapResumeStore)(nil)

func NewMapResumeStore() ResumeStore {
	return &mapResumeStore{m: make(map[metainfo.Hash][]byte)}
}

func (me *mapResumeStore) Persistent() bool {
	return false
}

func (me *mapResumeStore) Get(ih metainfo.Hash) ([]byte, bool, error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	v, ok := me.m[ih]
	return append([]byte(nil), v...), ok, nil
}

func (me *mapResumeStore) Set(ih metainfo.Hash, data []byte) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.m[ih] = append([]byte(nil), data...)
	return nil
}

func (me *mapResumeStore) Delete(ih metainfo.Hash) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	delete(me.m, ih)
	return nil
}

func (me *mapResumeStore) List() (ret []metainfo.Hash, _ error) {
	me.mu.RLock()
	defer me.mu.RUnlock()
	for ih := range me.m {
		ret = append(ret, ih)
	}
	return
}

func (me *mapResumeStore) Close() error {
	me.mu.Lock()
	defer me.mu.Unlock()
	clear(me.m)
	return nil
}
