package stream

import (
    "context"
    "errors"
    "fmt"
    "os"
    "strings"
    "time"

    "github.com/pion/logging"
)

var (
    // ErrNoTracks means an origin opened but exposed neither video nor audio.
    ErrNoTracks = errors.New("origin has no usable tracks")
    // ErrNoMedia means an origin produced no media before the open timeout.
    ErrNoMedia = errors.New("no media received")
    ErrFileNotFound = errors.New("file not found")
    ErrMissingURL   = errors.New("missing url")
)

// Opener acquires upstream media for a stream from one origin.
type Opener interface {
    OpenRTSP(ctx context.Context, streamID, url string, opts map[string]string) (*Source, error)
    OpenMJPEG(ctx context.Context, streamID, url string, opts map[string]string) (*Source, error)
    OpenFile(ctx context.Context, streamID, path string, loop bool) (*Source, error)
}

// BackendConfig configures the default Opener.
type BackendConfig struct {
    FFmpegPath  string
    FFprobePath string
    // VideoCodec is the transcode target for file and MJPEG origins: h264 or vp8.
    VideoCodec   string
    FPS          int
    StallTimeout time.Duration
    OpenTimeout  time.Duration

    LoggerFactory logging.LoggerFactory
}

// Backend opens RTSP origins with an in-process RTSP client and file and
// MJPEG origins through an ffmpeg child process.
type Backend struct {
    cfg BackendConfig
    log logging.LeveledLogger
}

func NewBackend(cfg BackendConfig) *Backend {
    if cfg.FFmpegPath == "" { cfg.FFmpegPath = "ffmpeg" }
    if cfg.FFprobePath == "" { cfg.FFprobePath = "ffprobe" }
    if cfg.VideoCodec == "" { cfg.VideoCodec = "h264" }
    if cfg.FPS <= 0 { cfg.FPS = 30 }
    if cfg.OpenTimeout <= 0 { cfg.OpenTimeout = 10 * time.Second }
    if cfg.LoggerFactory == nil { cfg.LoggerFactory = logging.NewDefaultLoggerFactory() }
    return &Backend{cfg: cfg, log: cfg.LoggerFactory.NewLogger("stream")}
}

func (b *Backend) OpenFile(ctx context.Context, streamID, path string, loop bool) (*Source, error) {
    st, err := os.Stat(path)
    if err != nil || st.IsDir() {
        incOpenFailures()
        return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
    }
    in := []string{"-re"}
    if loop { in = append(in, "-stream_loop", "-1") }
    in = append(in, "-i", path)

    hasVideo, hasAudio, err := probeStreams(ctx, b.cfg.FFprobePath, path)
    if err != nil {
        // assume video only; ffmpeg will fail fast if the file is unreadable
        b.log.Debugf("probe %s: %v", path, err)
        hasVideo, hasAudio = true, false
    }
    if !hasVideo && !hasAudio {
        incOpenFailures()
        return nil, fmt.Errorf("%s: %w", path, ErrNoTracks)
    }
    return b.transcode(ctx, transcodeRequest{streamID: streamID, origin: OriginFile, input: in, video: hasVideo, audio: hasAudio})
}

func (b *Backend) OpenMJPEG(ctx context.Context, streamID, url string, opts map[string]string) (*Source, error) {
    if strings.TrimSpace(url) == "" {
        incOpenFailures()
        return nil, fmt.Errorf("mjpeg: %w", ErrMissingURL)
    }
    in := append(inputFlags(opts), "-i", url)
    return b.transcode(ctx, transcodeRequest{streamID: streamID, origin: OriginMJPEG, input: in, video: true})
}

func (b *Backend) OpenRTSP(ctx context.Context, streamID, url string, opts map[string]string) (*Source, error) {
    if strings.TrimSpace(url) == "" {
        incOpenFailures()
        return nil, fmt.Errorf("rtsp: %w", ErrMissingURL)
    }
    src, err := b.relayRTSP(ctx, streamID, url, opts)
    if err != nil {
        incOpenFailures()
        return nil, err
    }
    incSourcesOpened()
    return src, nil
}

// ready waits for the first media of a freshly started source and closes it
// on failure.
func (b *Backend) ready(ctx context.Context, src *Source) error {
    if err := src.waitActive(ctx, b.cfg.OpenTimeout); err != nil {
        _ = src.Close()
        return err
    }
    src.SetStallTimeout(b.cfg.StallTimeout)
    return nil
}
