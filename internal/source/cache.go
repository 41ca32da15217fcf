package source

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/pion/logging"

    "camgateway/internal/config"
    "camgateway/internal/stream"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("source cache closed")

type entry struct {
    cfg config.StreamConfig
    // lock serialises opening; a channel so waiters can give up on ctx
    lock chan struct{}

    mu       sync.Mutex
    src      *stream.Source
    opens    int
    lastErr  error
}

func (e *entry) current() *stream.Source {
    e.mu.Lock()
    defer e.mu.Unlock()
    return e.src
}

func (e *entry) set(src *stream.Source, err error) {
    e.mu.Lock()
    e.src = src
    if src != nil { e.opens++ }
    e.lastErr = err
    e.mu.Unlock()
}

// Cache holds at most one live source per configured stream. Entries are
// created up front, so the set of known stream ids never changes.
type Cache struct {
    resolver *Resolver
    entries  map[string]*entry
    log      logging.LeveledLogger

    mu      sync.Mutex
    closed  bool
    quit    chan struct{}
    sweeper sync.WaitGroup
}

func NewCache(streams []config.StreamConfig, resolver *Resolver, lf logging.LoggerFactory) *Cache {
    if lf == nil { lf = logging.NewDefaultLoggerFactory() }
    c := &Cache{
        resolver: resolver,
        entries:  make(map[string]*entry, len(streams)),
        log:      lf.NewLogger("source"),
        quit:     make(chan struct{}),
    }
    for _, s := range streams {
        c.entries[s.ID] = &entry{cfg: s, lock: make(chan struct{}, 1)}
    }
    return c
}

// Has reports whether id is a configured stream.
func (c *Cache) Has(id string) bool {
    _, ok := c.entries[id]
    return ok
}

// Get returns the live source for id, opening one if none is cached or the
// cached one has ended. Concurrent callers for the same id queue on the
// entry lock, so only one open is ever in flight per stream.
func (c *Cache) Get(ctx context.Context, id string) (*stream.Source, error) {
    e, ok := c.entries[id]
    if !ok { return nil, fmt.Errorf("%w: %q", ErrUnknownStream, id) }

    select {
    case e.lock <- struct{}{}:
    case <-ctx.Done():
        return nil, ctx.Err()
    }
    defer func() { <-e.lock }()

    if c.isClosed() { return nil, ErrClosed }

    if cur := e.current(); cur != nil {
        if !cur.Ended() { return cur, nil }
        c.log.Infof("stream=%s source %s ended, reopening", id, cur.ID)
        _ = cur.Close()
        e.set(nil, cur.Err())
    }

    src, err := c.resolver.Resolve(ctx, e.cfg)
    if err != nil {
        e.set(nil, err)
        return nil, err
    }
    e.set(src, nil)
    return src, nil
}

func (c *Cache) isClosed() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.closed
}

// StartSweeper periodically closes cached sources that have ended so their
// upstream resources are released before the next watcher arrives.
func (c *Cache) StartSweeper(interval time.Duration) {
    if interval <= 0 { return }
    c.sweeper.Add(1)
    go func() {
        defer c.sweeper.Done()
        ticker := time.NewTicker(interval)
        defer ticker.Stop()
        for {
            select {
            case <-c.quit:
                return
            case <-ticker.C:
                c.sweep()
            }
        }
    }()
}

func (c *Cache) sweep() {
    for id, e := range c.entries {
        // skip entries that are busy opening
        select {
        case e.lock <- struct{}{}:
        default:
            continue
        }
        if cur := e.current(); cur != nil && cur.Ended() {
            c.log.Infof("stream=%s releasing ended source %s", id, cur.ID)
            _ = cur.Close()
            e.set(nil, cur.Err())
        }
        <-e.lock
    }
}

// EntryInfo describes one cache entry for status reporting.
type EntryInfo struct {
    StreamID    string        `json:"streamId"`
    Mode        config.Mode   `json:"mode"`
    Live        bool          `json:"live"`
    Origin      stream.Origin `json:"origin,omitempty"`
    SourceID    string        `json:"sourceId,omitempty"`
    PID         int           `json:"pid,omitempty"`
    Video       string        `json:"video,omitempty"`
    Audio       string        `json:"audio,omitempty"`
    Subscribers int           `json:"subscribers"`
    OpenedAt    time.Time     `json:"openedAt,omitempty"`
    Opens       int           `json:"opens"`
    LastError   string        `json:"lastError,omitempty"`
}

// Snapshot returns the state of every entry, ordered by stream id.
func (c *Cache) Snapshot() []EntryInfo {
    out := make([]EntryInfo, 0, len(c.entries))
    for id, e := range c.entries {
        e.mu.Lock()
        info := EntryInfo{StreamID: id, Mode: e.cfg.Mode, Opens: e.opens}
        if e.lastErr != nil { info.LastError = e.lastErr.Error() }
        if src := e.src; src != nil {
            info.Live = !src.Ended()
            info.Origin = src.Origin
            info.SourceID = src.ID
            info.PID = src.PID()
            info.OpenedAt = src.OpenedAt
            if src.Video != nil {
                info.Video = src.Video.Codec().MimeType
                info.Subscribers = src.Video.Subscribers()
            }
            if src.Audio != nil {
                info.Audio = src.Audio.Codec().MimeType
                if n := src.Audio.Subscribers(); n > info.Subscribers { info.Subscribers = n }
            }
        }
        e.mu.Unlock()
        out = append(out, info)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
    return out
}

// Close stops the sweeper and closes every cached source. An open in
// progress is waited for, then its result is closed too.
func (c *Cache) Close() error {
    c.mu.Lock()
    if c.closed {
        c.mu.Unlock()
        return nil
    }
    c.closed = true
    close(c.quit)
    c.mu.Unlock()
    c.sweeper.Wait()

    for id, e := range c.entries {
        e.lock <- struct{}{}
        if cur := e.current(); cur != nil {
            c.log.Infof("stream=%s closing source %s", id, cur.ID)
            _ = cur.Close()
            e.set(nil, nil)
        }
        <-e.lock
    }
    return nil
}
