package torrent

import (
	"context"
	"errors"
	"fmt"

	"github.com/anacrolix/sync"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/peerforge/torrent/bitfield"
)

// Verifies every piece on disk. Peers aren't admitted meanwhile.
type hashingMode struct {
	modeBase
	autoStart bool
	cancel    context.CancelFunc
}

func (hashingMode) State() State                { return Hashing }
func (hashingMode) ShouldConnect(PeerConn) bool { return false }
func (m *hashingMode) Tick(int)                 { m.closeUnwanted(m) }

func (m *hashingMode) start() {
	t := m.t
	ctx, cancel := context.WithCancel(t.ctx)
	m.cancel = cancel
	disk := t.disk
	numPieces := t.numPieces()
	workers := t.engine.config.HashWorkers
	go func() {
		ctx, span := t.engine.tracer.Start(ctx, "hash check", trace.WithAttributes(
			attribute.String("infohash", t.infoHash.HexString()),
			attribute.Int("pieces", numPieces),
		))
		defer span.End()
		var mu sync.Mutex
		passed := bitfield.New(numPieces)
		eg, ctx := errgroup.WithContext(ctx)
		eg.SetLimit(workers)
		for i := range numPieces {
			eg.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				ok, err := disk.HashPiece(i)
				if err != nil {
					return fmt.Errorf("hashing piece %d: %w", i, err)
				}
				if ok {
					mu.Lock()
					passed.Set(i, true)
					mu.Unlock()
				}
				return nil
			})
		}
		err := eg.Wait()
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("pieces.passed", passed.TrueCount()))
		t.engine.loop.Queue(func() {
			m.finished(passed, err)
		})
	}()
}

func (m *hashingMode) finished(passed *bitfield.BitField, err error) {
	t := m.t
	m.cancel()
	if t.mode != Mode(m) {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		t.fail(err)
		return
	}
	t.bitfield.CopyFrom(passed)
	t.hashChecked = true
	t.hashFails = 0
	for i := range passed.Len() {
		t.pieceHashedEvent(i, passed.Has(i))
	}
	t.picker.Initialise(t.bitfield, t.files, nil)
	if m.autoStart {
		t.startChecked()
	} else {
		t.setMode(&stoppedMode{modeBase{t}})
	}
}
