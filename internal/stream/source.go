package stream

import (
    "context"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
)

// Origin names the upstream transport a source was opened from.
type Origin string

const (
    OriginRTSP  Origin = "rtsp"
    OriginMJPEG Origin = "mjpeg"
    OriginFile  Origin = "file"
)

// Source is one open upstream feed. Video and Audio are nil when the origin
// carries no track of that kind. A Source is owned by whoever opened it;
// watchers only Subscribe to its tracks.
type Source struct {
    ID       string
    StreamID string
    Origin   Origin
    Video    *Track
    Audio    *Track
    OpenedAt time.Time

    stallTimeout time.Duration
    pid          atomic.Int64
    ended        atomic.Bool
    done         chan struct{}
    endOnce      sync.Once
    closeOnce    sync.Once

    mu   sync.Mutex
    err  error
    stop func()
}

// NewSource wraps already created tracks in a Source. Backends fill in the
// upstream stop function; sources built elsewhere (tests, in-process
// generators) end only through End or Close.
func NewSource(streamID string, origin Origin, video, audio *Track) *Source {
    registerSource()
    return &Source{
        ID:       uuid.New().String(),
        StreamID: streamID,
        Origin:   origin,
        Video:    video,
        Audio:    audio,
        OpenedAt: time.Now(),
        done:     make(chan struct{}),
    }
}

// SetStallTimeout makes Ended report true once no media has arrived on any
// track for d. Zero disables stall detection.
func (s *Source) SetStallTimeout(d time.Duration) { s.stallTimeout = d }

// HasMedia reports whether the source carries at least one track.
func (s *Source) HasMedia() bool { return s.Video != nil || s.Audio != nil }

// Ended reports whether the upstream terminated or stalled. An ended source
// must be closed and reopened before reuse.
func (s *Source) Ended() bool {
    if s.ended.Load() { return true }
    if s.stallTimeout <= 0 { return false }
    last := s.OpenedAt
    for _, t := range []*Track{s.Video, s.Audio} {
        if t == nil { continue }
        if lw := t.LastWrite(); lw.After(last) { last = lw }
    }
    return time.Since(last) > s.stallTimeout
}

// End marks the upstream as terminated with the given cause (nil for a clean
// end of stream). Only the first call has an effect.
func (s *Source) End(err error) {
    s.endOnce.Do(func() {
        s.mu.Lock()
        s.err = err
        s.mu.Unlock()
        s.ended.Store(true)
        close(s.done)
        unregisterSource()
    })
}

// Err returns the cause passed to End.
func (s *Source) Err() error {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.err
}

// Done is closed when the upstream has ended.
func (s *Source) Done() <-chan struct{} { return s.done }

// PID returns the transcoder process id, or 0 for in-process origins.
func (s *Source) PID() int { return int(s.pid.Load()) }

// Close stops the upstream and detaches every subscriber.
func (s *Source) Close() error {
    s.closeOnce.Do(func() {
        s.mu.Lock()
        stop := s.stop
        s.mu.Unlock()
        if stop != nil { stop() }
        for _, t := range []*Track{s.Video, s.Audio} {
            if t != nil { t.close() }
        }
        s.End(nil)
    })
    return nil
}

func (s *Source) setStop(fn func()) {
    s.mu.Lock()
    s.stop = fn
    s.mu.Unlock()
}

// waitActive blocks until the first sample or packet arrives on any track,
// the upstream ends, ctx is done or timeout elapses.
func (s *Source) waitActive(ctx context.Context, timeout time.Duration) error {
    var video, audio <-chan struct{}
    if s.Video != nil { video = s.Video.Active() }
    if s.Audio != nil { audio = s.Audio.Active() }
    var expired <-chan time.Time
    if timeout > 0 {
        timer := time.NewTimer(timeout)
        defer timer.Stop()
        expired = timer.C
    }
    select {
    case <-video:
        return nil
    case <-audio:
        return nil
    case <-s.done:
        if err := s.Err(); err != nil {
            return fmt.Errorf("upstream ended before media arrived: %w", err)
        }
        return fmt.Errorf("upstream ended before media arrived")
    case <-ctx.Done():
        return ctx.Err()
    case <-expired:
        return fmt.Errorf("%w within %s", ErrNoMedia, timeout)
    }
}
