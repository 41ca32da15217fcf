package peer

import "sync"

// eventQueue is an unbounded FIFO in front of a channel so pion callbacks
// never block on a slow consumer.
type eventQueue struct {
    mu      sync.Mutex
    pending []Event
    closed  bool
    wake    chan struct{}
    out     chan Event
}

func newEventQueue() *eventQueue {
    q := &eventQueue{wake: make(chan struct{}, 1), out: make(chan Event)}
    go q.pump()
    return q
}

func (q *eventQueue) push(e Event) {
    q.mu.Lock()
    if q.closed {
        q.mu.Unlock()
        return
    }
    q.pending = append(q.pending, e)
    q.mu.Unlock()
    select {
    case q.wake <- struct{}{}:
    default:
    }
}

// close delivers what is already queued, then closes out.
func (q *eventQueue) close() {
    q.mu.Lock()
    q.closed = true
    q.mu.Unlock()
    select {
    case q.wake <- struct{}{}:
    default:
    }
}

func (q *eventQueue) pump() {
    defer close(q.out)
    for {
        q.mu.Lock()
        batch := q.pending
        q.pending = nil
        closed := q.closed
        q.mu.Unlock()
        for _, e := range batch {
            q.out <- e
        }
        if closed {
            q.mu.Lock()
            rest := len(q.pending)
            q.mu.Unlock()
            if rest == 0 { return }
            continue
        }
        if len(batch) == 0 { <-q.wake }
    }
}
