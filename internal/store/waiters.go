package store

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/relayq/internal/models"
)

// waiters lets Pull sleep until Complete or Fail touches its task.
type waiters struct {
	mu     sync.Mutex
	byTask map[models.TaskID]map[chan struct{}]struct{}
}

func newWaiters() *waiters {
	return &waiters{byTask: make(map[models.TaskID]map[chan struct{}]struct{})}
}

// add registers interest in id. The returned channel is closed on the next
// notify for id; cancel must be called if the caller stops waiting first.
func (w *waiters) add(id models.TaskID) (<-chan struct{}, func()) {
	ch := make(chan struct{})

	w.mu.Lock()
	set, ok := w.byTask[id]
	if !ok {
		set = make(map[chan struct{}]struct{})
		w.byTask[id] = set
	}
	set[ch] = struct{}{}
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if set, ok := w.byTask[id]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.byTask, id)
			}
		}
	}
	return ch, cancel
}

func (w *waiters) notify(id models.TaskID) {
	w.mu.Lock()
	set := w.byTask[id]
	delete(w.byTask, id)
	w.mu.Unlock()

	for ch := range set {
		close(ch)
	}
}

func (w *waiters) count(id models.TaskID) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byTask[id])
}

// fetchResult reads the current result for a task. done is false while the
// task has not finished.
type fetchResult func(ctx context.Context) (result models.TaskResult, done bool, err error)

// await implements Pull on top of a waiter registry. poll bounds how long it
// sleeps without a notification; zero disables polling.
func (w *waiters) await(ctx context.Context, id models.TaskID, closed <-chan struct{}, poll time.Duration, fetch fetchResult) (models.TaskResult, error) {
	for {
		// Register before reading so a notify between the read and the
		// wait is not lost.
		wake, cancel := w.add(id)

		result, done, err := fetch(ctx)
		if err != nil || done {
			cancel()
			return result, err
		}

		var tick <-chan time.Time
		var timer *time.Timer
		if poll > 0 {
			timer = time.NewTimer(poll)
			tick = timer.C
		}

		select {
		case <-wake:
		case <-tick:
		case <-closed:
			cancel()
			stopTimer(timer)
			return models.TaskResult{}, ErrClosed
		case <-ctx.Done():
			cancel()
			stopTimer(timer)
			return models.TaskResult{}, ctx.Err()
		}
		cancel()
		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
