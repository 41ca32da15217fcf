package source

import (
    "context"
    "errors"
    "fmt"
    "os"
    "strings"

    "github.com/pion/logging"

    "camgateway/internal/config"
    "camgateway/internal/stream"
)

var (
    // ErrUnknownStream is returned for stream ids that are not configured.
    ErrUnknownStream = errors.New("unknown stream")
    // ErrNoSource is returned when every origin allowed for a stream failed.
    ErrNoSource = errors.New("no source available")
)

// Resolver opens one upstream source for a stream, walking the origins its
// mode allows in priority order.
type Resolver struct {
    opener    stream.Opener
    rtspOpts  map[string]string
    mjpegOpts map[string]string
    log       logging.LeveledLogger
}

func NewResolver(opener stream.Opener, rtspOpts, mjpegOpts map[string]string, lf logging.LoggerFactory) *Resolver {
    if lf == nil { lf = logging.NewDefaultLoggerFactory() }
    return &Resolver{opener: opener, rtspOpts: rtspOpts, mjpegOpts: mjpegOpts, log: lf.NewLogger("source")}
}

type attempt struct {
    origin stream.Origin
    open   func(context.Context) (*stream.Source, error)
    // skip is set when the origin is not configured; auto mode passes over it
    skip string
}

func (r *Resolver) attempts(cfg config.StreamConfig) []attempt {
    rtsp := attempt{origin: stream.OriginRTSP, open: func(ctx context.Context) (*stream.Source, error) {
        return r.opener.OpenRTSP(ctx, cfg.ID, cfg.RTSP, r.rtspOpts)
    }}
    mjpeg := attempt{origin: stream.OriginMJPEG, open: func(ctx context.Context) (*stream.Source, error) {
        return r.opener.OpenMJPEG(ctx, cfg.ID, cfg.MJPEG, r.mjpegOpts)
    }}
    file := attempt{origin: stream.OriginFile, open: func(ctx context.Context) (*stream.Source, error) {
        return r.opener.OpenFile(ctx, cfg.ID, cfg.File, cfg.Loop)
    }}

    switch cfg.Mode {
    case config.ModeRTSP:
        return []attempt{rtsp}
    case config.ModeMJPEG:
        return []attempt{mjpeg}
    case config.ModeFile:
        return []attempt{file}
    }
    if strings.TrimSpace(cfg.RTSP) == "" { rtsp.skip = "no rtsp url" }
    if strings.TrimSpace(cfg.MJPEG) == "" { mjpeg.skip = "no mjpeg url" }
    if cfg.File == "" {
        file.skip = "no file"
    } else if _, err := os.Stat(cfg.File); err != nil {
        file.skip = "file " + cfg.File + " not found"
    }
    return []attempt{rtsp, mjpeg, file}
}

// Resolve returns the first source that carries at least one track. Origin
// failures are logged and collected; if all fail the result wraps
// ErrNoSource and every individual failure.
func (r *Resolver) Resolve(ctx context.Context, cfg config.StreamConfig) (*stream.Source, error) {
    var errs []error
    for _, a := range r.attempts(cfg) {
        if err := ctx.Err(); err != nil {
            errs = append(errs, err)
            break
        }
        if a.skip != "" {
            r.log.Debugf("stream=%s skip %s: %s", cfg.ID, a.origin, a.skip)
            errs = append(errs, fmt.Errorf("%s: %s", a.origin, a.skip))
            continue
        }
        src, err := a.open(ctx)
        if err == nil && (src == nil || !src.HasMedia()) {
            if src != nil { _ = src.Close() }
            err = stream.ErrNoTracks
        }
        if err != nil {
            r.log.Warnf("stream=%s %s origin failed: %v", cfg.ID, a.origin, err)
            errs = append(errs, fmt.Errorf("%s: %w", a.origin, err))
            continue
        }
        r.log.Infof("stream=%s opened %s source %s (video=%v audio=%v)", cfg.ID, a.origin, src.ID, src.Video != nil, src.Audio != nil)
        return src, nil
    }
    return nil, fmt.Errorf("%w for stream %s: %w", ErrNoSource, cfg.ID, errors.Join(errs...))
}
