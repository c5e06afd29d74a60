package torrent

import (
	"errors"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
	"golang.org/x/time/rate"
)

func TestMainLoopRunsInOrder(t *testing.T) {
	ml := newMainLoop()
	defer ml.Close()
	var got []int
	for i := range 5 {
		qt.Assert(t, qt.IsTrue(ml.Queue(func() { got = append(got, i) })))
	}
	err := ml.QueueWait(func() error { return nil })
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(got, []int{0, 1, 2, 3, 4}))

	sentinel := errors.New("sentinel")
	qt.Check(t, qt.ErrorIs(ml.QueueWait(func() error { return sentinel }), sentinel))
}

func TestMainLoopClosed(t *testing.T) {
	ml := newMainLoop()
	ml.Close()
	qt.Check(t, qt.IsFalse(ml.Queue(func() {})))
	qt.Check(t, qt.ErrorIs(ml.QueueWait(func() error { return nil }), ErrEngineClosed))
}

func TestMainLoopQueueTimeoutRepeats(t *testing.T) {
	ml := newMainLoop()
	defer ml.Close()
	done := make(chan struct{})
	runs := 0
	ml.QueueTimeout(time.Millisecond, func() bool {
		runs++
		if runs == 3 {
			close(done)
			return false
		}
		return true
	})
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
	time.Sleep(10 * time.Millisecond)
	qt.Check(t, qt.IsNil(ml.QueueWait(func() error {
		qt.Check(t, qt.Equals(runs, 3))
		return nil
	})))
}

func TestByteBudget(t *testing.T) {
	var unlimited byteBudget
	qt.Check(t, qt.IsTrue(unlimited.allows(1<<40)))
	unlimited.spend(100)
	qt.Check(t, qt.Equals(unlimited.spent, 100))
	qt.Check(t, qt.IsTrue(unlimited.blocks() > 1<<20))

	b := byteBudget{limited: true, remaining: 40000}
	qt.Check(t, qt.Equals(b.blocks(), 2))
	qt.Check(t, qt.IsTrue(b.allows(40000)))
	b.spend(40001)
	qt.Check(t, qt.IsFalse(b.allows(1)))
	qt.Check(t, qt.Equals(b.blocks(), 0))
	qt.Check(t, qt.Equals(b.spent, 40001))
}

func TestBudgetForLimiter(t *testing.T) {
	now := time.Now()
	qt.Check(t, qt.IsFalse(budgetFor(rate.NewLimiter(rate.Inf, 0), now).limited))

	l := rate.NewLimiter(1000, 64<<10)
	b := budgetFor(l, now)
	qt.Assert(t, qt.IsTrue(b.limited))
	qt.Check(t, qt.Equals(b.remaining, 64<<10))
	b.spend(48 << 10)
	consumeBudget(l, now, b)
	qt.Check(t, qt.Equals(budgetFor(l, now).remaining, 16<<10))
}
