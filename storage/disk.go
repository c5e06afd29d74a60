package storage

import (
	"errors"
	"path/filepath"

	"github.com/anacrolix/torrent/metainfo"
)

var (
	ErrUnsafePath   = errors.New("path escapes torrent root")
	ErrFileExists   = errors.New("file already exists")
	ErrOutOfBounds  = errors.New("block out of bounds")
	ErrUnknownFile  = errors.New("unknown file")
	ErrClosed       = errors.New("storage closed")
	ErrPieceMissing = errors.New("piece data missing")
)

// Disk is the piece data backend of a single torrent. Methods may block and are called off the
// torrent's main loop.
type Disk interface {
	CheckFileExists(file int) (bool, error)
	// Moves a file to a new path relative to the torrent root.
	MoveFile(file int, newPath string) error
	// Moves every file under a new root. Existing files at the destination are replaced only with
	// overwrite.
	MoveFiles(newRoot string, overwrite bool) error
	WriteBlock(piece, offset int, data []byte) error
	ReadBlock(piece, offset, length int) ([]byte, error)
	// Reports whether the stored data for piece matches its hash.
	HashPiece(piece int) (bool, error)
	Close() error
}

// A file's place in the torrent's byte stream.
type FileLayout struct {
	Path   string
	Offset int64
	Length int64
}

func (me FileLayout) End() int64 {
	return me.Offset + me.Length
}

// LayoutFiles lays out the files of info end to end. Files of a multi-file torrent go in a
// directory named for it.
func LayoutFiles(info *metainfo.Info) (ret []FileLayout) {
	var off int64
	for _, fi := range info.UpvertedFiles() {
		path := info.BestName()
		if info.IsDir() {
			path = filepath.Join(append([]string{path}, fi.BestPath()...)...)
		}
		ret = append(ret, FileLayout{
			Path:   path,
			Offset: off,
			Length: fi.Length,
		})
		off += fi.Length
	}
	return
}

// Joins path components, refusing results that would land outside the root they're relative to.
func safeFilePath(components ...string) (string, error) {
	ret := filepath.Join(components...)
	if ret == "" || !filepath.IsLocal(ret) {
		return "", ErrUnsafePath
	}
	return ret, nil
}
