package requestStrategy

import (
	"github.com/peerforge/torrent/types"
)

// Geometry of the torrent the pickers schedule for.
type Info struct {
	PieceLength int64
	TotalLength int64
}

func (i Info) NumPieces() int {
	if i.PieceLength <= 0 {
		return 0
	}
	return int((i.TotalLength + i.PieceLength - 1) / i.PieceLength)
}

// The length of the piece at index. The final piece may be shorter.
func (i Info) PieceSize(index int) int64 {
	if index == i.NumPieces()-1 {
		if rem := i.TotalLength % i.PieceLength; rem != 0 {
			return rem
		}
	}
	return i.PieceLength
}

// Full sized pieces hold this many blocks.
func (i Info) BlocksPerPiece() int {
	return int((i.PieceLength + BlockSize - 1) / BlockSize)
}

// A file in the torrent and the inclusive range of pieces it overlaps.
type File struct {
	Path            string
	Length          int64
	StartPieceIndex int
	EndPieceIndex   int
	Priority        types.PiecePriority
}

// FilesFromLengths lays out files end to end over pieces of pieceLength. Every file starts with
// normal priority.
func FilesFromLengths(pieceLength int64, paths []string, lengths []int64) []File {
	files := make([]File, 0, len(lengths))
	var offset int64
	for i, length := range lengths {
		f := File{
			Length:          length,
			StartPieceIndex: int(offset / pieceLength),
			Priority:        types.PiecePriorityNormal,
		}
		if i < len(paths) {
			f.Path = paths[i]
		}
		end := offset + length
		if length == 0 {
			f.EndPieceIndex = f.StartPieceIndex
		} else {
			f.EndPieceIndex = int((end - 1) / pieceLength)
		}
		files = append(files, f)
		offset = end
	}
	return files
}

// piecePriorities returns the effective priority of each of numPieces pieces. A piece shared by
// several files takes the highest of their priorities. With no files everything is normal.
func piecePriorities(files []File, numPieces int) []types.PiecePriority {
	ret := make([]types.PiecePriority, numPieces)
	if len(files) == 0 {
		for i := range ret {
			ret[i] = types.PiecePriorityNormal
		}
		return ret
	}
	for _, f := range files {
		for i := max(f.StartPieceIndex, 0); i <= f.EndPieceIndex && i < numPieces; i++ {
			ret[i].Raise(f.Priority)
		}
	}
	return ret
}

// wantedPieces is the set of pieces with any priority other than none.
func wantedPieces(files []File, numPieces int) []bool {
	ret := make([]bool, numPieces)
	for i, prio := range piecePriorities(files, numPieces) {
		ret[i] = prio != types.PiecePriorityNone
	}
	return ret
}
