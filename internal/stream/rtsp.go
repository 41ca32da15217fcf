package stream

import (
    "context"
    "errors"
    "fmt"
    "strconv"
    "strings"
    "time"

    "github.com/bluenviron/gortsplib/v4"
    "github.com/bluenviron/gortsplib/v4/pkg/base"
    "github.com/bluenviron/gortsplib/v4/pkg/description"
    "github.com/bluenviron/gortsplib/v4/pkg/format"
    "github.com/pion/rtp"
    "github.com/pion/webrtc/v3"
)

// rtspTransport maps the ffmpeg-style rtsp_transport option.
func rtspTransport(v string) (*gortsplib.Transport, error) {
    var t gortsplib.Transport
    switch strings.ToLower(strings.TrimSpace(v)) {
    case "":
        return nil, nil
    case "tcp":
        t = gortsplib.TransportTCP
    case "udp":
        t = gortsplib.TransportUDP
    case "udp_multicast":
        t = gortsplib.TransportUDPMulticast
    default:
        return nil, fmt.Errorf("unsupported rtsp_transport %q", v)
    }
    return &t, nil
}

// rtspClient builds a client from relay options. timeout is in microseconds,
// as ffmpeg takes it. Options only meaningful to ffmpeg are skipped.
func (b *Backend) rtspClient(opts map[string]string) (*gortsplib.Client, error) {
    c := &gortsplib.Client{}
    for k, v := range opts {
        switch k {
        case "rtsp_transport":
            t, err := rtspTransport(v)
            if err != nil { return nil, err }
            c.Transport = t
        case "timeout", "stimeout":
            us, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
            if err != nil || us <= 0 { return nil, fmt.Errorf("invalid %s %q", k, v) }
            c.ReadTimeout = time.Duration(us) * time.Microsecond
        default:
            b.log.Debugf("rtsp option %s=%s ignored", k, v)
        }
    }
    return c, nil
}

// relayCodec returns the WebRTC capability an RTSP format is relayed as.
func relayCodec(forma format.Format) (Kind, webrtc.RTPCodecCapability, bool) {
    switch f := forma.(type) {
    case *format.H264:
        return KindVideo, codecH264, true
    case *format.VP8:
        return KindVideo, codecVP8, true
    case *format.Opus:
        return KindAudio, codecOpus, true
    case *format.G711:
        if f.MULaw { return KindAudio, codecPCMU, true }
        return KindAudio, codecPCMA, true
    }
    return "", webrtc.RTPCodecCapability{}, false
}

type relayedMedia struct {
    medi  *description.Media
    forma format.Format
    track *Track
}

// pickRelayMedia selects the first relayable video and audio format.
func pickRelayMedia(desc *description.Session, streamID string) (video, audio *relayedMedia) {
    for _, medi := range desc.Medias {
        for _, forma := range medi.Formats {
            kind, codec, ok := relayCodec(forma)
            if !ok { continue }
            if kind == KindVideo && video == nil {
                video = &relayedMedia{medi: medi, forma: forma, track: NewRTPTrack(kind, codec, streamID)}
            }
            if kind == KindAudio && audio == nil {
                audio = &relayedMedia{medi: medi, forma: forma, track: NewRTPTrack(kind, codec, streamID)}
            }
        }
    }
    return video, audio
}

func (b *Backend) relayRTSP(ctx context.Context, streamID, rawURL string, opts map[string]string) (*Source, error) {
    u, err := base.ParseURL(rawURL)
    if err != nil { return nil, fmt.Errorf("rtsp url: %w", err) }
    c, err := b.rtspClient(opts)
    if err != nil { return nil, err }

    if err := c.Start(u.Scheme, u.Host); err != nil {
        return nil, fmt.Errorf("rtsp connect %s: %w", u.Host, err)
    }
    // abort a hanging handshake when the caller gives up
    handshake := make(chan struct{})
    defer close(handshake)
    go func() {
        select {
        case <-ctx.Done():
            c.Close()
        case <-handshake:
        }
    }()
    desc, _, err := c.Describe(u)
    if err != nil {
        c.Close()
        return nil, fmt.Errorf("rtsp describe: %w", err)
    }
    video, audio := pickRelayMedia(desc, streamID)
    if video == nil && audio == nil {
        c.Close()
        return nil, fmt.Errorf("rtsp %s: %w", streamID, ErrNoTracks)
    }
    var vt, at *Track
    for _, m := range []*relayedMedia{video, audio} {
        if m == nil { continue }
        if _, err := c.Setup(desc.BaseURL, m.medi, 0, 0); err != nil {
            c.Close()
            return nil, fmt.Errorf("rtsp setup %s: %w", m.track.Kind(), err)
        }
        track := m.track
        c.OnPacketRTP(m.medi, m.forma, func(pkt *rtp.Packet) { _ = track.WriteRTP(pkt) })
        if track.Kind() == KindVideo { vt = track } else { at = track }
    }
    if _, err := c.Play(nil); err != nil {
        c.Close()
        return nil, fmt.Errorf("rtsp play: %w", err)
    }
    if ctx.Err() != nil {
        c.Close()
        return nil, ctx.Err()
    }

    src := NewSource(streamID, OriginRTSP, vt, at)
    src.setStop(c.Close)
    b.log.Infof("rtsp stream=%s relaying video=%v audio=%v from %s", streamID, vt != nil, at != nil, u.Host)
    go func() {
        err := c.Wait()
        if err != nil && !errors.Is(err, context.Canceled) {
            b.log.Warnf("rtsp stream=%s ended: %v", streamID, err)
        }
        src.End(err)
    }()
    if err := b.ready(ctx, src); err != nil {
        return nil, fmt.Errorf("rtsp %s: %w", streamID, err)
    }
    return src, nil
}
