package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"

	"github.com/anacrolix/torrent/metainfo"
)

// Paths from bad metainfo, or from moves, that try to escape the torrent root.
var safeFilePathTests = []struct {
	input     []string
	expectErr bool
}{
	{input: []string{"a", filepath.FromSlash(`b/..`)}, expectErr: false},
	{input: []string{"a", filepath.FromSlash(`b/../../..`)}, expectErr: true},
	{input: []string{"a", filepath.FromSlash(`b/../.././..`)}, expectErr: true},
	{input: []string{filepath.FromSlash(`/etc/passwd`)}, expectErr: true},
	{input: []string{""}, expectErr: true},
	{
		input: []string{
			filepath.FromSlash(`NewSuperHeroMovie-2019-English-720p.avi /../../../../../Roaming/Microsoft/Windows/Start Menu/Programs/Startup/test3.exe`),
		},
		expectErr: true,
	},
}

func TestSafeFilePath(t *testing.T) {
	for _, _case := range safeFilePathTests {
		actual, err := safeFilePath(_case.input...)
		if _case.expectErr {
			qt.Check(t, qt.ErrorIs(err, ErrUnsafePath), qt.Commentf("%q gave %q", _case.input, actual))
		} else {
			qt.Check(t, qt.IsNil(err))
		}
	}
}

// Moves are held to the same rule.
func TestMoveFileSafePathHandling(t *testing.T) {
	for i, _case := range safeFilePathTests {
		t.Run(fmt.Sprintf("Case%v", i), func(t *testing.T) {
			info := metainfo.Info{
				Name:        "t",
				PieceLength: 1,
				Pieces:      make([]byte, 20),
				Length:      1,
			}
			disk := NewMemoryFS().OpenTorrent(&info, t.TempDir())
			defer func() { qt.Assert(t, qt.IsNil(disk.Close())) }()
			err := disk.MoveFile(0, filepath.Join(_case.input...))
			if _case.expectErr {
				qt.Check(t, qt.ErrorIs(err, ErrUnsafePath))
			} else {
				qt.Check(t, qt.IsNil(err))
			}
		})
	}
}
