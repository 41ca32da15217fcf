package stream

import "sync"

// asyncWriter is a small buffered, asynchronous wrapper around a track write
// so the upstream reader never blocks on one watcher's network backpressure.
// Writes are best-effort; if the queue is full, the item is dropped.
type asyncWriter[T any] struct {
    ch   chan T
    quit chan struct{}
}

// newAsyncWriter starts a writer goroutine around write and returns a
// non-blocking enqueue function along with a stop function. stop is safe to
// call more than once.
func newAsyncWriter[T any](write func(T) error, queue int) (enqueue func(T) bool, stop func()) {
    if queue <= 0 { queue = 4 }
    aw := &asyncWriter[T]{ch: make(chan T, queue), quit: make(chan struct{})}
    go func() {
        for {
            select {
            case v := <-aw.ch:
                // pion returns io.ErrClosedPipe once the peer is gone; the
                // owner removes us shortly after, nothing to do here.
                _ = write(v)
            case <-aw.quit:
                return
            }
        }
    }()
    var once sync.Once
    enqueue = func(v T) bool {
        select {
        case aw.ch <- v:
            return true
        default:
            return false
        }
    }
    return enqueue, func() { once.Do(func() { close(aw.quit) }) }
}
