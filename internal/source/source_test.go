package source

import (
    "context"
    "errors"
    "os"
    "path/filepath"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "camgateway/internal/config"
    "camgateway/internal/stream"
)

var errUnreachable = errors.New("connection refused")

// fakeOpener records calls per origin and returns canned results.
type fakeOpener struct {
    mu    sync.Mutex
    calls map[stream.Origin]int
    delay time.Duration

    rtsp, mjpeg, file func(id string) (*stream.Source, error)
}

func newFakeOpener() *fakeOpener {
    fail := func(string) (*stream.Source, error) { return nil, errUnreachable }
    return &fakeOpener{calls: map[stream.Origin]int{}, rtsp: fail, mjpeg: fail, file: fail}
}

func (f *fakeOpener) record(o stream.Origin) {
    f.mu.Lock()
    f.calls[o]++
    f.mu.Unlock()
    if f.delay > 0 { time.Sleep(f.delay) }
}

func (f *fakeOpener) count(o stream.Origin) int {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.calls[o]
}

func (f *fakeOpener) OpenRTSP(_ context.Context, id, _ string, _ map[string]string) (*stream.Source, error) {
    f.record(stream.OriginRTSP)
    return f.rtsp(id)
}

func (f *fakeOpener) OpenMJPEG(_ context.Context, id, _ string, _ map[string]string) (*stream.Source, error) {
    f.record(stream.OriginMJPEG)
    return f.mjpeg(id)
}

func (f *fakeOpener) OpenFile(_ context.Context, id, _ string, _ bool) (*stream.Source, error) {
    f.record(stream.OriginFile)
    return f.file(id)
}

func videoSource(origin stream.Origin) func(string) (*stream.Source, error) {
    return func(id string) (*stream.Source, error) {
        return stream.NewSource(id, origin, stream.NewSampleTrack(stream.KindVideo, stream.CodecH264(), id), nil), nil
    }
}

func newCache(op *fakeOpener, streams ...config.StreamConfig) *Cache {
    return NewCache(streams, NewResolver(op, config.DefaultRTSPOptions(), nil, nil), nil)
}

func tempFile(t *testing.T) string {
    t.Helper()
    p := filepath.Join(t.TempDir(), "clip.mp4")
    require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
    return p
}

func TestAutoModeRTSPShortCircuits(t *testing.T) {
    op := newFakeOpener()
    op.rtsp = videoSource(stream.OriginRTSP)
    op.mjpeg = videoSource(stream.OriginMJPEG)
    op.file = videoSource(stream.OriginFile)
    c := newCache(op, config.StreamConfig{ID: "cam1", Mode: config.ModeAuto, RTSP: "rtsp://cam1/live", MJPEG: "http://cam1/mjpeg", File: tempFile(t)})
    defer c.Close()

    src, err := c.Get(context.Background(), "cam1")
    require.NoError(t, err)
    assert.Equal(t, stream.OriginRTSP, src.Origin)
    assert.Equal(t, 1, op.count(stream.OriginRTSP))
    assert.Zero(t, op.count(stream.OriginMJPEG))
    assert.Zero(t, op.count(stream.OriginFile))
}

func TestAutoModeFallsBackInOrder(t *testing.T) {
    op := newFakeOpener()
    op.file = videoSource(stream.OriginFile)
    c := newCache(op, config.StreamConfig{ID: "cam1", Mode: config.ModeAuto, RTSP: "rtsp://cam1/live", MJPEG: "http://cam1/mjpeg", File: tempFile(t), Loop: true})
    defer c.Close()

    src, err := c.Get(context.Background(), "cam1")
    require.NoError(t, err)
    assert.Equal(t, stream.OriginFile, src.Origin)
    assert.Equal(t, 1, op.count(stream.OriginRTSP))
    assert.Equal(t, 1, op.count(stream.OriginMJPEG))
    assert.Equal(t, 1, op.count(stream.OriginFile))
}

func TestAutoModeSkipsUnconfiguredOrigins(t *testing.T) {
    op := newFakeOpener()
    c := newCache(op, config.StreamConfig{ID: "cam1", Mode: config.ModeAuto, RTSP: "rtsp://cam1/live", File: "/nonexistent/clip.mp4"})
    defer c.Close()

    _, err := c.Get(context.Background(), "cam1")
    require.ErrorIs(t, err, ErrNoSource)
    assert.ErrorIs(t, err, errUnreachable)
    assert.Equal(t, 1, op.count(stream.OriginRTSP))
    assert.Zero(t, op.count(stream.OriginMJPEG))
    assert.Zero(t, op.count(stream.OriginFile))
}

func TestTracklessSourceIsAFailure(t *testing.T) {
    op := newFakeOpener()
    op.rtsp = func(id string) (*stream.Source, error) { return stream.NewSource(id, stream.OriginRTSP, nil, nil), nil }
    op.mjpeg = videoSource(stream.OriginMJPEG)
    c := newCache(op, config.StreamConfig{ID: "cam1", Mode: config.ModeAuto, RTSP: "rtsp://cam1/live", MJPEG: "http://cam1/mjpeg"})
    defer c.Close()

    src, err := c.Get(context.Background(), "cam1")
    require.NoError(t, err)
    assert.Equal(t, stream.OriginMJPEG, src.Origin)
}

func TestRTSPOnlyModeDoesNotFallBack(t *testing.T) {
    op := newFakeOpener()
    op.mjpeg = videoSource(stream.OriginMJPEG)
    op.file = videoSource(stream.OriginFile)
    c := newCache(op, config.StreamConfig{ID: "cam2", Mode: config.ModeRTSP, RTSP: "rtsp://unreachable/live", MJPEG: "http://cam2/mjpeg", File: tempFile(t)})
    defer c.Close()

    _, err := c.Get(context.Background(), "cam2")
    require.ErrorIs(t, err, ErrNoSource)
    assert.Zero(t, op.count(stream.OriginMJPEG))
    assert.Zero(t, op.count(stream.OriginFile))

    snap := c.Snapshot()
    require.Len(t, snap, 1)
    assert.False(t, snap[0].Live)
    assert.Empty(t, snap[0].SourceID)
    assert.Contains(t, snap[0].LastError, "connection refused")

    // failure is not cached
    _, err = c.Get(context.Background(), "cam2")
    require.Error(t, err)
    assert.Equal(t, 2, op.count(stream.OriginRTSP))
}

func TestUnknownStream(t *testing.T) {
    op := newFakeOpener()
    c := newCache(op, config.StreamConfig{ID: "cam1", Mode: config.ModeRTSP, RTSP: "rtsp://cam1/live"})
    defer c.Close()

    _, err := c.Get(context.Background(), "nope")
    require.ErrorIs(t, err, ErrUnknownStream)
    assert.False(t, errors.Is(err, ErrNoSource))
    assert.Zero(t, op.count(stream.OriginRTSP))
    assert.False(t, c.Has("nope"))
    assert.True(t, c.Has("cam1"))
}

func TestConcurrentGetOpensOnce(t *testing.T) {
    op := newFakeOpener()
    op.delay = 20 * time.Millisecond
    op.file = videoSource(stream.OriginFile)
    c := newCache(op, config.StreamConfig{ID: "cam1", Mode: config.ModeFile, File: tempFile(t), Loop: true})
    defer c.Close()

    const watchers = 16
    var wg sync.WaitGroup
    got := make([]*stream.Source, watchers)
    for i := 0; i < watchers; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            src, err := c.Get(context.Background(), "cam1")
            assert.NoError(t, err)
            got[i] = src
        }(i)
    }
    wg.Wait()

    assert.Equal(t, 1, op.count(stream.OriginFile))
    for _, src := range got {
        assert.Same(t, got[0], src)
    }
}

func TestEndedSourceIsReopened(t *testing.T) {
    op := newFakeOpener()
    op.rtsp = videoSource(stream.OriginRTSP)
    c := newCache(op, config.StreamConfig{ID: "cam1", Mode: config.ModeRTSP, RTSP: "rtsp://cam1/live"})
    defer c.Close()

    first, err := c.Get(context.Background(), "cam1")
    require.NoError(t, err)
    again, err := c.Get(context.Background(), "cam1")
    require.NoError(t, err)
    assert.Same(t, first, again)

    first.End(errors.New("eof"))
    second, err := c.Get(context.Background(), "cam1")
    require.NoError(t, err)
    assert.NotSame(t, first, second)
    assert.Equal(t, 2, op.count(stream.OriginRTSP))
    assert.Equal(t, 2, c.Snapshot()[0].Opens)
}

func TestGetHonoursContextWhileWaiting(t *testing.T) {
    op := newFakeOpener()
    op.delay = 200 * time.Millisecond
    op.rtsp = videoSource(stream.OriginRTSP)
    c := newCache(op, config.StreamConfig{ID: "cam1", Mode: config.ModeRTSP, RTSP: "rtsp://cam1/live"})
    defer c.Close()

    go func() { _, _ = c.Get(context.Background(), "cam1") }()
    require.Eventually(t, func() bool { return op.count(stream.OriginRTSP) == 1 }, time.Second, time.Millisecond)

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
    defer cancel()
    _, err := c.Get(ctx, "cam1")
    assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSweeperReleasesEndedSources(t *testing.T) {
    op := newFakeOpener()
    op.rtsp = videoSource(stream.OriginRTSP)
    c := newCache(op, config.StreamConfig{ID: "cam1", Mode: config.ModeRTSP, RTSP: "rtsp://cam1/live"})
    defer c.Close()
    c.StartSweeper(5 * time.Millisecond)

    src, err := c.Get(context.Background(), "cam1")
    require.NoError(t, err)
    assert.True(t, c.Snapshot()[0].Live)

    src.End(nil)
    assert.Eventually(t, func() bool { return c.Snapshot()[0].SourceID == "" }, time.Second, 5*time.Millisecond)
}

func TestCloseReleasesSources(t *testing.T) {
    op := newFakeOpener()
    op.rtsp = videoSource(stream.OriginRTSP)
    c := newCache(op, config.StreamConfig{ID: "cam1", Mode: config.ModeRTSP, RTSP: "rtsp://cam1/live"})

    src, err := c.Get(context.Background(), "cam1")
    require.NoError(t, err)
    require.NoError(t, c.Close())
    require.NoError(t, c.Close())
    assert.True(t, src.Ended())

    _, err = c.Get(context.Background(), "cam1")
    assert.ErrorIs(t, err, ErrClosed)
}
