package stream

import (
    "sync"
)

// fanout copies every written item to all registered sinks. Each sink gets
// its own small queue so a slow connection doesn't block others.
type fanout[T any] struct {
    mu     sync.RWMutex
    sinks  map[*sink[T]]struct{}
    queue  int
    closed bool
}

type sink[T any] struct {
    enqueue func(T) bool
    stop    func()
}

func newFanout[T any](queue int) *fanout[T] {
    return &fanout[T]{sinks: make(map[*sink[T]]struct{}), queue: queue}
}

// add registers write as a sink. The returned remove stops the sink's worker;
// it is idempotent. Adding to a closed fanout returns a no-op remove.
func (b *fanout[T]) add(write func(T) error) (remove func()) {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.closed {
        return func() {}
    }
    enqueue, stop := newAsyncWriter(write, b.queue)
    s := &sink[T]{enqueue: enqueue, stop: stop}
    b.sinks[s] = struct{}{}
    return func() {
        b.mu.Lock()
        if _, ok := b.sinks[s]; ok {
            delete(b.sinks, s)
            s.stop()
        }
        b.mu.Unlock()
    }
}

// write hands v to every sink without blocking. It reports how many sinks
// took the item and how many dropped it because their queue was full.
func (b *fanout[T]) write(v T) (delivered, dropped int) {
    b.mu.RLock()
    for s := range b.sinks {
        if s.enqueue(v) {
            delivered++
        } else {
            dropped++
        }
    }
    b.mu.RUnlock()
    return delivered, dropped
}

func (b *fanout[T]) len() int {
    b.mu.RLock()
    defer b.mu.RUnlock()
    return len(b.sinks)
}

// close stops all sink workers and rejects further adds.
func (b *fanout[T]) close() {
    b.mu.Lock()
    for s := range b.sinks {
        s.stop()
        delete(b.sinks, s)
    }
    b.closed = true
    b.mu.Unlock()
}
