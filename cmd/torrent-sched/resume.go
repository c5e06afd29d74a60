package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/peerforge/torrent"
	"github.com/peerforge/torrent/storage"
)

type resumeCmd struct {
	Dir string `arg:"positional,required" help:"directory holding resume.db"`
}

func (me *resumeCmd) run(w io.Writer) error {
	s, err := storage.NewBoltResumeStore(me.Dir)
	if err != nil {
		return err
	}
	defer s.Close()
	ihs, err := s.List()
	if err != nil {
		return err
	}
	for _, ih := range ihs {
		b, ok, err := s.Get(ih)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var fr torrent.FastResume
		if err := fr.UnmarshalBinary(b); err != nil {
			fmt.Fprintf(w, "%v: bad resume data (%s): %v\n", ih, humanize.Bytes(uint64(len(b))), err)
			continue
		}
		fmt.Fprintf(w, "%v: %s/%s pieces verified (%.1f%%)\n",
			ih,
			humanize.Comma(int64(fr.BitField.TrueCount())),
			humanize.Comma(int64(fr.NumPieces)),
			fr.BitField.PercentComplete())
	}
	return nil
}
