package app

import "sync"

// Feed publishes view-state snapshots latest-wins. Subscribers get a
// 1-buffered channel; a slow subscriber only ever misses intermediate
// snapshots, never the newest one.
type Feed[T any] struct {
	mu   sync.Mutex
	cur  T
	seen bool
	subs map[int]chan T
	next int
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[int]chan T)}
}

func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = v
	f.seen = true
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
			// drop the stale snapshot, replace with the new one
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}

// Current returns the last published snapshot (zero value before the first).
func (f *Feed[T]) Current() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cur
}

// Subscribe registers a watcher. The returned cancel must be called to
// release it; the channel delivers the current snapshot first if one exists.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan T, 1)
	if f.seen {
		ch <- f.cur
	}
	f.subs[id] = ch
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
		}
	}
	return ch, cancel
}
