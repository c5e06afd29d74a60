package torrent

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/anacrolix/log"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/peerforge/torrent/bitfield"
)

// FastResume records which pieces of a torrent were verified, so that a restart can skip the hash
// check.
type FastResume struct {
	InfoHash  metainfo.Hash
	NumPieces int
	BitField  *bitfield.BitField
}

// The bencoded form of FastResume.
type fastResumeData struct {
	Version   int    `bencode:"version"`
	InfoHash  []byte `bencode:"infohash"`
	NumPieces int    `bencode:"pieces"`
	BitField  []byte `bencode:"bitfield"`
}

const fastResumeVersion = 1

func (fr FastResume) MarshalBinary() ([]byte, error) {
	return bencode.Marshal(fastResumeData{
		Version:   fastResumeVersion,
		InfoHash:  fr.InfoHash[:],
		NumPieces: fr.NumPieces,
		BitField:  fr.BitField.Bytes(),
	})
}

func (fr *FastResume) UnmarshalBinary(b []byte) error {
	var d fastResumeData
	if err := bencode.Unmarshal(b, &d); err != nil {
		return err
	}
	if d.Version != fastResumeVersion {
		return fmt.Errorf("unsupported fast resume version %v", d.Version)
	}
	if len(d.InfoHash) != len(fr.InfoHash) {
		return fmt.Errorf("bad infohash length %v", len(d.InfoHash))
	}
	bf, err := bitfield.FromBytes(d.NumPieces, d.BitField)
	if err != nil {
		return err
	}
	copy(fr.InfoHash[:], d.InfoHash)
	fr.NumPieces = d.NumPieces
	fr.BitField = bf
	return nil
}

// SaveFastResume captures the verified pieces. The torrent must have been hash checked.
func (t *Torrent) SaveFastResume() (fr FastResume, err error) {
	err = t.do(func() (err error) {
		fr, err = t.fastResume()
		return
	})
	return
}

func (t *Torrent) fastResume() (FastResume, error) {
	if !t.haveInfo() {
		return FastResume{}, ErrNoMetadata
	}
	if !t.hashChecked {
		return FastResume{}, ErrNotHashChecked
	}
	return FastResume{
		InfoHash:  t.infoHash,
		NumPieces: t.numPieces(),
		BitField:  t.bitfield.Clone(),
	}, nil
}

// LoadFastResume marks the torrent as hash checked with the pieces in fr. Only allowed while
// Stopped.
func (t *Torrent) LoadFastResume(fr FastResume) error {
	return t.act(func() error {
		return t.loadFastResume(fr)
	})
}

func (t *Torrent) loadFastResume(fr FastResume) error {
	if t.mode.State() != Stopped {
		return t.invalidState("load fast resume")
	}
	if !t.haveInfo() {
		return ErrNoMetadata
	}
	if fr.InfoHash != t.infoHash || fr.BitField == nil || fr.NumPieces != t.numPieces() ||
		fr.BitField.Len() != t.numPieces() {
		return ErrResumeMismatch
	}
	t.bitfield.CopyFrom(fr.BitField)
	t.hashChecked = true
	t.picker.Initialise(t.bitfield, t.files, nil)
	for i := range t.bitfield.Len() {
		t.pieceHashedEvent(i, t.bitfield.Has(i))
	}
	return nil
}

// Writes the fast resume data to the configured store, if there is one and the torrent has been
// checked.
func (t *Torrent) saveResumeData() {
	store := t.engine.config.ResumeStore
	if store == nil || !t.haveInfo() || !t.hashChecked {
		return
	}
	fr, err := t.fastResume()
	if err == nil {
		var b []byte
		b, err = fr.MarshalBinary()
		if err == nil {
			err = store.Set(t.infoHash, b)
		}
	}
	if err != nil {
		t.logger.Levelf(log.Warning, "saving resume data: %v", err)
	}
}

// Applies stored resume data to a newly added torrent. Data that doesn't fit is discarded.
func (t *Torrent) restoreResumeData() {
	store := t.engine.config.ResumeStore
	if store == nil || !t.haveInfo() {
		return
	}
	b, ok, err := store.Get(t.infoHash)
	if err != nil {
		t.logger.Levelf(log.Warning, "loading resume data: %v", err)
		return
	}
	if !ok {
		return
	}
	var fr FastResume
	err = fr.UnmarshalBinary(b)
	if err == nil {
		err = t.loadFastResume(fr)
	}
	if err == nil {
		return
	}
	t.logger.Levelf(log.Warning, "discarding resume data: %v", err)
	if errors.Is(err, ErrResumeMismatch) || !bytes.Equal(fr.InfoHash[:], t.infoHash[:]) {
		if err := store.Delete(t.infoHash); err != nil {
			t.logger.Levelf(log.Warning, "deleting resume data: %v", err)
		}
	}
}
