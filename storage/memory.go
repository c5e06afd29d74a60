package storage

import (
	"bytes"
	"crypto/sha1"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/anacrolix/torrent/metainfo"
)

// MemoryFS is a namespace of file paths shared by the memory disks opened from it, so that moves
// can collide the way they would on a real filesystem. Torrent data outlives the disks, so
// reopening a torrent finds its data where it was left.
type MemoryFS struct {
	mu       sync.Mutex
	paths    map[string]struct{}
	torrents map[[sha1.Size]byte]*memoryData
}

func NewMemoryFS() *MemoryFS {
	return &MemoryFS{
		paths:    make(map[string]struct{}),
		torrents: make(map[[sha1.Size]byte]*memoryData),
	}
}

func (fs *MemoryFS) Exists(path string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.paths[filepath.Clean(path)]
	return ok
}

type memoryFile struct {
	FileLayout
	present bool
}

// The stored state of one torrent.
type memoryData struct {
	root   string
	files  []memoryFile
	pieces map[int][]byte
	fault  error
}

// MemoryDisk keeps piece data in memory, and checks it against the piece hashes of the info.
type MemoryDisk struct {
	*memoryData
	fs     *MemoryFS
	info   *metainfo.Info
	closed bool
}

var _ Disk = (*MemoryDisk)(nil)

// OpenTorrent returns a disk for the torrent described by info. New torrents get their files
// under root.
func (fs *MemoryFS) OpenTorrent(info *metainfo.Info, root string) *MemoryDisk {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := sha1.Sum(append([]byte(info.BestName()), info.Pieces...))
	data, ok := fs.torrents[key]
	if !ok {
		data = &memoryData{
			root:   root,
			pieces: make(map[int][]byte),
		}
		for _, fl := range LayoutFiles(info) {
			data.files = append(data.files, memoryFile{FileLayout: fl})
		}
		fs.torrents[key] = data
	}
	return &MemoryDisk{
		memoryData: data,
		fs:         fs,
		info:       info,
	}
}

func (d *MemoryDisk) filePath(f *memoryFile) string {
	return filepath.Join(d.root, f.Path)
}

func (d *MemoryDisk) file(i int) (*memoryFile, error) {
	if i < 0 || i >= len(d.files) {
		return nil, errors.Wrapf(ErrUnknownFile, "file %v", i)
	}
	return &d.files[i], nil
}

func (d *MemoryDisk) usable() error {
	if d.closed {
		return ErrClosed
	}
	return d.fault
}

// SetFault makes subsequent operations that touch piece data fail with err. Nil clears it.
func (d *MemoryDisk) SetFault(err error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	d.fault = err
}

func (d *MemoryDisk) CheckFileExists(file int) (bool, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	f, err := d.file(file)
	if err != nil {
		return false, err
	}
	return f.present, nil
}

// DeleteFile forgets a file and the pieces overlapping it, as if it was removed behind the
// client's back.
func (d *MemoryDisk) DeleteFile(file int) error {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	f, err := d.file(file)
	if err != nil {
		return err
	}
	delete(d.fs.paths, d.filePath(f))
	f.present = false
	if f.Length == 0 {
		return nil
	}
	first := int(f.Offset / d.info.PieceLength)
	last := int((f.End() - 1) / d.info.PieceLength)
	for p := first; p <= last; p++ {
		delete(d.pieces, p)
	}
	return nil
}

func (d *MemoryDisk) MoveFile(file int, newPath string) error {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	f, err := d.file(file)
	if err != nil {
		return err
	}
	rel, err := safeFilePath(newPath)
	if err != nil {
		return errors.Wrapf(err, "moving file %v to %q", file, newPath)
	}
	dest := filepath.Join(d.root, rel)
	if dest == d.filePath(f) {
		return nil
	}
	if _, ok := d.fs.paths[dest]; ok {
		return errors.Wrap(ErrFileExists, dest)
	}
	if f.present {
		delete(d.fs.paths, d.filePath(f))
		d.fs.paths[dest] = struct{}{}
	}
	f.Path = rel
	return nil
}

func (d *MemoryDisk) MoveFiles(newRoot string, overwrite bool) error {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	newRoot = filepath.Clean(newRoot)
	if newRoot == filepath.Clean(d.root) {
		return nil
	}
	if !overwrite {
		for i := range d.files {
			dest := filepath.Join(newRoot, d.files[i].Path)
			if _, ok := d.fs.paths[dest]; ok {
				return errors.Wrap(ErrFileExists, dest)
			}
		}
	}
	for i := range d.files {
		f := &d.files[i]
		if f.present {
			delete(d.fs.paths, d.filePath(f))
		}
	}
	d.root = newRoot
	for i := range d.files {
		f := &d.files[i]
		if f.present {
			d.fs.paths[d.filePath(f)] = struct{}{}
		}
	}
	return nil
}

func (d *MemoryDisk) Root() string {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	return d.root
}

func (d *MemoryDisk) numPieces() int {
	return d.info.NumPieces()
}

func (d *MemoryDisk) pieceLength(piece int) int64 {
	if piece == d.numPieces()-1 {
		if rem := d.info.TotalLength() % d.info.PieceLength; rem != 0 {
			return rem
		}
	}
	return d.info.PieceLength
}

func (d *MemoryDisk) checkExtent(piece, offset, length int) error {
	if piece < 0 || piece >= d.numPieces() || offset < 0 || length < 0 ||
		int64(offset+length) > d.pieceLength(piece) {
		return errors.Wrapf(ErrOutOfBounds, "piece %v, %v bytes at %v", piece, length, offset)
	}
	return nil
}

func (d *MemoryDisk) WriteBlock(piece, offset int, data []byte) error {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if err := d.usable(); err != nil {
		return err
	}
	if err := d.checkExtent(piece, offset, len(data)); err != nil {
		return err
	}
	buf, ok := d.pieces[piece]
	if !ok {
		buf = make([]byte, d.pieceLength(piece))
		d.pieces[piece] = buf
	}
	copy(buf[offset:], data)
	start := int64(piece)*d.info.PieceLength + int64(offset)
	end := start + int64(len(data))
	for i := range d.files {
		f := &d.files[i]
		if f.present || f.Offset >= end || f.End() <= start {
			continue
		}
		f.present = true
		d.fs.paths[d.filePath(f)] = struct{}{}
	}
	return nil
}

func (d *MemoryDisk) ReadBlock(piece, offset, length int) ([]byte, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if err := d.usable(); err != nil {
		return nil, err
	}
	if err := d.checkExtent(piece, offset, length); err != nil {
		return nil, err
	}
	buf, ok := d.pieces[piece]
	if !ok {
		return nil, errors.Wrapf(ErrPieceMissing, "piece %v", piece)
	}
	return bytes.Clone(buf[offset : offset+length]), nil
}

func (d *MemoryDisk) HashPiece(piece int) (bool, error) {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	if err := d.usable(); err != nil {
		return false, err
	}
	if err := d.checkExtent(piece, 0, 0); err != nil {
		return false, err
	}
	buf, ok := d.pieces[piece]
	if !ok {
		return false, nil
	}
	sum := sha1.Sum(buf)
	return bytes.Equal(sum[:], d.info.Pieces[piece*sha1.Size:(piece+1)*sha1.Size]), nil
}

func (d *MemoryDisk) Close() error {
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()
	d.closed = true
	return nil
}
