package storage

import (
	"crypto/sha1"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/anacrolix/torrent/metainfo"
)

// Two files of 3 and 5 bytes over pieces of 4.
func testInfo() (*metainfo.Info, []byte) {
	data := []byte("abcdefgh")
	info := &metainfo.Info{
		Name:        "test",
		PieceLength: 4,
		Files: []metainfo.FileInfo{
			{Path: []string{"a"}, Length: 3},
			{Path: []string{"b"}, Length: 5},
		},
	}
	for off := 0; off < len(data); off += 4 {
		h := sha1.Sum(data[off : off+4])
		info.Pieces = append(info.Pieces, h[:]...)
	}
	return info, data
}

func TestLayoutFiles(t *testing.T) {
	info, _ := testInfo()
	qt.Check(t, qt.DeepEquals(LayoutFiles(info), []FileLayout{
		{Path: filepath.Join("test", "a"), Offset: 0, Length: 3},
		{Path: filepath.Join("test", "b"), Offset: 3, Length: 5},
	}))
}

func TestMemoryDiskWriteAndHash(t *testing.T) {
	info, data := testInfo()
	fs := NewMemoryFS()
	root := t.TempDir()
	d := fs.OpenTorrent(info, root)

	ok, err := d.HashPiece(0)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(ok))
	_, err = d.ReadBlock(0, 0, 4)
	qt.Check(t, qt.ErrorIs(err, ErrPieceMissing))

	qt.Assert(t, qt.IsNil(d.WriteBlock(0, 0, data[:2])))
	qt.Assert(t, qt.IsNil(d.WriteBlock(0, 2, data[2:4])))
	ok, err = d.HashPiece(0)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(ok))
	b, err := d.ReadBlock(0, 1, 2)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(b, []byte("bc")))

	// The first piece touches both files.
	for i := range 2 {
		exists, err := d.CheckFileExists(i)
		qt.Assert(t, qt.IsNil(err))
		qt.Check(t, qt.IsTrue(exists))
	}
	qt.Check(t, qt.IsTrue(fs.Exists(filepath.Join(root, "test", "b"))))

	qt.Check(t, qt.ErrorIs(d.WriteBlock(1, 2, data[:3]), ErrOutOfBounds))
	qt.Check(t, qt.ErrorIs(d.WriteBlock(2, 0, data[:1]), ErrOutOfBounds))
	_, err = d.CheckFileExists(2)
	qt.Check(t, qt.ErrorIs(err, ErrUnknownFile))

	qt.Assert(t, qt.IsNil(d.WriteBlock(1, 0, []byte("xxxx"))))
	ok, err = d.HashPiece(1)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(ok))
}

func TestMemoryDiskOutlivesClose(t *testing.T) {
	info, data := testInfo()
	fs := NewMemoryFS()
	d := fs.OpenTorrent(info, "root")
	qt.Assert(t, qt.IsNil(d.WriteBlock(1, 0, data[4:])))
	qt.Assert(t, qt.IsNil(d.Close()))
	_, err := d.ReadBlock(1, 0, 4)
	qt.Check(t, qt.ErrorIs(err, ErrClosed))

	d = fs.OpenTorrent(info, "elsewhere")
	qt.Check(t, qt.Equals(d.Root(), "root"))
	ok, err := d.HashPiece(1)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(ok))

	qt.Assert(t, qt.IsNil(d.DeleteFile(1)))
	ok, err = d.HashPiece(1)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(ok))
}

func TestMemoryDiskFault(t *testing.T) {
	info, data := testInfo()
	d := NewMemoryFS().OpenTorrent(info, "root")
	fault := errors.New("disk on fire")
	d.SetFault(fault)
	qt.Check(t, qt.ErrorIs(d.WriteBlock(0, 0, data[:4]), fault))
	_, err := d.HashPiece(0)
	qt.Check(t, qt.ErrorIs(err, fault))
	d.SetFault(nil)
	qt.Check(t, qt.IsNil(d.WriteBlock(0, 0, data[:4])))
}

func TestMemoryDiskMoves(t *testing.T) {
	info, data := testInfo()
	fs := NewMemoryFS()
	d := fs.OpenTorrent(info, "root")
	qt.Assert(t, qt.IsNil(d.WriteBlock(0, 0, data[:4])))

	qt.Assert(t, qt.IsNil(d.MoveFile(0, "renamed")))
	qt.Check(t, qt.IsFalse(fs.Exists(filepath.Join("root", "test", "a"))))
	qt.Check(t, qt.IsTrue(fs.Exists(filepath.Join("root", "renamed"))))
	qt.Check(t, qt.ErrorIs(d.MoveFile(0, filepath.Join("test", "b")), ErrFileExists))

	// Another torrent occupying the destination.
	other, otherData := testInfo()
	other.Name = "other"
	od := fs.OpenTorrent(other, "dest")
	qt.Assert(t, qt.IsNil(od.WriteBlock(0, 0, otherData[:4])))
	qt.Assert(t, qt.IsNil(od.MoveFile(0, "renamed")))
	qt.Check(t, qt.ErrorIs(d.MoveFiles("dest", false), ErrFileExists))
	qt.Check(t, qt.Equals(d.Root(), "root"))

	qt.Assert(t, qt.IsNil(d.MoveFiles("dest", true)))
	qt.Check(t, qt.Equals(d.Root(), "dest"))
	qt.Check(t, qt.IsTrue(fs.Exists(filepath.Join("dest", "test", "b"))))
	qt.Check(t, qt.IsFalse(fs.Exists(filepath.Join("root", "renamed"))))
	ok, err := d.HashPiece(0)
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsTrue(ok))
}
