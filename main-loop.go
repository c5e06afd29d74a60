package torrent

import (
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/sync"
)

// mainLoop runs queued functions one at a time on a single goroutine. All scheduler state is owned
// by it: anything running elsewhere posts its results here instead of touching that state.
type mainLoop struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed chansync.SetOnce
	done   chansync.SetOnce
}

func newMainLoop() *mainLoop {
	ml := &mainLoop{
		wake: make(chan struct{}, 1),
	}
	go ml.run()
	return ml
}

func (ml *mainLoop) run() {
	defer ml.done.Set()
	for {
		select {
		case <-ml.wake:
		case <-ml.closed.Done():
			return
		}
		for {
			ml.mu.Lock()
			tasks := ml.tasks
			ml.tasks = nil
			ml.mu.Unlock()
			if len(tasks) == 0 {
				break
			}
			for _, f := range tasks {
				if ml.closed.IsSet() {
					return
				}
				f()
			}
		}
	}
}

// Queue runs f on the loop at some later point. Returns false if the loop is closed.
func (ml *mainLoop) Queue(f func()) bool {
	ml.mu.Lock()
	if ml.closed.IsSet() {
		ml.mu.Unlock()
		return false
	}
	ml.tasks = append(ml.tasks, f)
	ml.mu.Unlock()
	select {
	case ml.wake <- struct{}{}:
	default:
	}
	return true
}

// QueueWait runs f on the loop and waits for its result. It must not be called from the loop
// itself.
func (ml *mainLoop) QueueWait(f func() error) error {
	errc := make(chan error, 1)
	if !ml.Queue(func() { errc <- f() }) {
		return ErrEngineClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ml.done.Done():
		return ErrEngineClosed
	}
}

// QueueTimeout runs f on the loop every interval for as long as it returns true.
func (ml *mainLoop) QueueTimeout(interval time.Duration, f func() bool) {
	time.AfterFunc(interval, func() {
		ml.Queue(func() {
			if f() {
				ml.QueueTimeout(interval, f)
			}
		})
	})
}

// Close stops the loop. Queued functions that haven't started are dropped.
func (ml *mainLoop) Close() {
	ml.mu.Lock()
	ml.closed.Set()
	ml.tasks = nil
	ml.mu.Unlock()
	<-ml.done.Done()
}
