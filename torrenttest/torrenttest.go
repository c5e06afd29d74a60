// Package torrenttest contains functions for testing torrent-related behaviour.
package torrenttest

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"slices"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"

	"github.com/peerforge/torrent/bitfield"
)

// Torrent is a generated torrent and the content it describes.
type Torrent struct {
	Info      *metainfo.Info
	InfoBytes []byte
	InfoHash  metainfo.Hash
	// The files laid end to end.
	Data []byte
}

// Random generates a torrent of random data with a file for each length.
func Random(pieceLength int64, lengths ...int64) *Torrent {
	var total int64
	for _, l := range lengths {
		total += l
	}
	data := make([]byte, total)
	rand.Read(data)
	info := &metainfo.Info{
		Name:        "random",
		PieceLength: pieceLength,
	}
	if len(lengths) == 1 {
		info.Length = lengths[0]
	} else {
		for i, l := range lengths {
			info.Files = append(info.Files, metainfo.FileInfo{
				Length: l,
				Path:   []string{fmt.Sprintf("file%d", i)},
			})
		}
	}
	for off := int64(0); off < total; off += pieceLength {
		h := sha1.Sum(data[off:min(off+pieceLength, total)])
		info.Pieces = append(info.Pieces, h[:]...)
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		panic(err)
	}
	return &Torrent{
		Info:      info,
		InfoBytes: infoBytes,
		InfoHash:  metainfo.HashBytes(infoBytes),
		Data:      data,
	}
}

func (t *Torrent) NumPieces() int {
	return t.Info.NumPieces()
}

// The content of a block, as a peer would send it.
func (t *Torrent) Block(index, begin, length int) []byte {
	off := int64(index)*t.Info.PieceLength + int64(begin)
	return slices.Clone(t.Data[off : off+int64(length)])
}

// The Piece message answering a Request message.
func (t *Torrent) Answer(req pp.Message) pp.Message {
	return pp.Message{
		Type:  pp.Piece,
		Index: req.Index,
		Begin: req.Begin,
		Piece: t.Block(int(req.Index), int(req.Begin), int(req.Length)),
	}
}

// A bitfield with every piece set.
func (t *Torrent) Full() *bitfield.BitField {
	bf := bitfield.New(t.NumPieces())
	bf.SetAll(true)
	return bf
}

// Peer is an in-memory peer connection. It records what's sent to it, and is safe to inspect
// while the engine runs.
type Peer struct {
	mu       sync.Mutex
	addr     string
	choking  bool
	seeder   bool
	has      *bitfield.BitField
	requests int
	sent     []pp.Message
	closed   bool
	panicOn  g.Option[pp.MessageType]
}

func NewPeer(addr string, has *bitfield.BitField) *Peer {
	return &Peer{addr: addr, has: has}
}

// A peer with every piece.
func NewSeeder(addr string, numPieces int) *Peer {
	has := bitfield.New(numPieces)
	has.SetAll(true)
	p := NewPeer(addr, has)
	p.seeder = true
	return p
}

func (p *Peer) IsChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.choking
}

func (p *Peer) SetChoking(choking bool) {
	p.mu.Lock()
	p.choking = choking
	p.mu.Unlock()
}

func (p *Peer) AmRequestingPiecesCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *Peer) AddAmRequestingPiecesCount(delta int) {
	p.mu.Lock()
	p.requests += delta
	p.mu.Unlock()
}

func (p *Peer) Enqueue(msg pp.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOn.Ok && p.panicOn.Value == msg.Type {
		panic(fmt.Sprintf("%v refused", msg.Type))
	}
	p.sent = append(p.sent, msg)
}

func (p *Peer) BitField() *bitfield.BitField {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.has
}

// Makes Enqueue panic for messages of type mt.
func (p *Peer) SetPanicOn(mt pp.MessageType) {
	p.mu.Lock()
	p.panicOn = g.Some(mt)
	p.mu.Unlock()
}

// Marks a piece as had. The torrent learns of it from the returned Have message.
func (p *Peer) Have(index int) pp.Message {
	p.mu.Lock()
	has := p.has.Clone()
	has.Set(index, true)
	p.has = has
	p.mu.Unlock()
	return pp.Message{Type: pp.Have, Index: pp.Integer(index)}
}

func (p *Peer) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) IsSeeder() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seeder || (p.has != nil && p.has.AllTrue())
}

func (p *Peer) RemoteAddr() string {
	return p.addr
}

func (p *Peer) String() string {
	return p.addr
}

// Everything enqueued so far.
func (p *Peer) Sent() []pp.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.sent)
}

// Removes and returns the enqueued messages of type mt.
func (p *Peer) Take(mt pp.MessageType) (ret []pp.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = slices.DeleteFunc(p.sent, func(m pp.Message) bool {
		if m.Type == mt {
			ret = append(ret, m)
			return true
		}
		return false
	})
	return
}

// MakePrivate sets the private flag, which changes the infohash.
func (t *Torrent) MakePrivate() {
	private := true
	t.Info.Private = &private
	infoBytes, err := bencode.Marshal(t.Info)
	if err != nil {
		panic(err)
	}
	t.InfoBytes = infoBytes
	t.InfoHash = metainfo.HashBytes(infoBytes)
}
