package storage

import (
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/anacrolix/torrent/metainfo"
)

func testResumeStore(t *testing.T, s ResumeStore) {
	ih := metainfo.NewHashFromHex("2b66980093bc11806fab50cb3cb41835b95a0362")
	_, ok, err := s.Get(ih)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(ok))

	data := []byte("d7:versioni1ee")
	qt.Assert(t, qt.IsNil(s.Set(ih, data)))
	// The store keeps its own copy.
	data[0] = 'x'
	got, ok, err := s.Get(ih)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(ok))
	qt.Check(t, qt.DeepEquals(got, []byte("d7:versioni1ee")))

	list, err := s.List()
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(list, []metainfo.Hash{ih}))

	qt.Assert(t, qt.IsNil(s.Delete(ih)))
	_, ok, err = s.Get(ih)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(ok))
	list, err = s.List()
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.HasLen(list, 0))
}

func TestMapResumeStore(t *testing.T) {
	s := NewMapResumeStore()
	defer s.Close()
	qt.Check(t, qt.IsFalse(s.Persistent()))
	testResumeStore(t, s)
}

func TestBoltResumeStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltResumeStore(dir)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(s.Persistent()))
	testResumeStore(t, s)

	ih := metainfo.NewHashFromHex("0000000000000000000000000000000000000001")
	qt.Assert(t, qt.IsNil(s.Set(ih, []byte("kept"))))
	qt.Assert(t, qt.IsNil(s.Close()))

	s = ResumeStoreForDir(dir)
	defer s.Close()
	qt.Check(t, qt.IsTrue(s.Persistent()))
	got, ok, err := s.Get(ih)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(ok))
	qt.Check(t, qt.DeepEquals(got, []byte("kept")))
}
