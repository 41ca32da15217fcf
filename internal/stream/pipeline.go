package stream

import (
    "bufio"
    "bytes"
    "context"
    "errors"
    "fmt"
    "io"
    "os"
    "os/exec"
    "sort"
    "strconv"
    "time"

    "github.com/pion/webrtc/v3/pkg/media"
    "github.com/pion/webrtc/v3/pkg/media/h264reader"
    "github.com/pion/webrtc/v3/pkg/media/ivfreader"
    "github.com/pion/webrtc/v3/pkg/media/oggreader"
)

type transcodeRequest struct {
    streamID string
    origin   Origin
    input    []string // input flags ending in "-i <url>"
    video    bool
    audio    bool
}

// ffmpegArgs builds the transcode command line: video goes to stdout as
// Annex-B H264 or IVF VP8, audio to fd 3 as Ogg Opus.
func ffmpegArgs(req transcodeRequest, codec string, fps int) []string {
    args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
    args = append(args, req.input...)
    if req.video {
        args = append(args, "-map", "0:v:0", "-an")
        switch codec {
        case "vp8":
            args = append(args,
                "-c:v", "libvpx",
                "-deadline", "realtime",
                "-cpu-used", "8",
                "-b:v", "1500k",
                "-r", strconv.Itoa(fps),
                "-g", strconv.Itoa(fps*2),
                "-f", "ivf", "pipe:1",
            )
        default:
            args = append(args,
                "-c:v", "libx264",
                "-preset", "veryfast",
                "-tune", "zerolatency",
                "-profile:v", "baseline",
                "-pix_fmt", "yuv420p",
                "-r", strconv.Itoa(fps),
                "-g", strconv.Itoa(fps*2),
                "-bf", "0",
                "-x264-params", "aud=1:repeat-headers=1",
                "-f", "h264", "pipe:1",
            )
        }
    }
    if req.audio {
        args = append(args,
            "-map", "0:a:0", "-vn",
            "-c:a", "libopus",
            "-ar", "48000",
            "-ac", "2",
            "-page_duration", "20000",
            "-f", "ogg", "pipe:3",
        )
    }
    return args
}

// inputFlags turns an option map into ffmpeg input flags in key order.
func inputFlags(opts map[string]string) []string {
    keys := make([]string, 0, len(opts))
    for k := range opts { keys = append(keys, k) }
    sort.Strings(keys)
    var out []string
    for _, k := range keys {
        out = append(out, "-"+k, opts[k])
    }
    return out
}

func (b *Backend) transcode(ctx context.Context, req transcodeRequest) (*Source, error) {
    var video, audio *Track
    if req.video {
        codec := codecH264
        if b.cfg.VideoCodec == "vp8" { codec = codecVP8 }
        video = NewSampleTrack(KindVideo, codec, req.streamID)
    }
    if req.audio {
        audio = NewSampleTrack(KindAudio, codecOpus, req.streamID)
    }

    cmd := exec.Command(b.cfg.FFmpegPath, ffmpegArgs(req, b.cfg.VideoCodec, b.cfg.FPS)...)
    var vr, vw, ar, aw *os.File
    var err error
    if req.video {
        if vr, vw, err = os.Pipe(); err != nil {
            incOpenFailures()
            return nil, err
        }
        cmd.Stdout = vw
    }
    if req.audio {
        if ar, aw, err = os.Pipe(); err != nil {
            closeFiles(vr, vw)
            incOpenFailures()
            return nil, err
        }
        cmd.ExtraFiles = []*os.File{aw}
    }
    stderr, err := cmd.StderrPipe()
    if err != nil {
        closeFiles(vr, vw, ar, aw)
        incOpenFailures()
        return nil, err
    }
    if err := cmd.Start(); err != nil {
        closeFiles(vr, vw, ar, aw)
        incOpenFailures()
        return nil, fmt.Errorf("start %s: %w", b.cfg.FFmpegPath, err)
    }
    // the child holds its own copies
    closeFiles(vw, aw)

    src := NewSource(req.streamID, req.origin, video, audio)
    src.pid.Store(int64(cmd.Process.Pid))
    src.setStop(func() {
        _ = cmd.Process.Kill()
        closeFiles(vr, ar)
    })
    b.log.Infof("ffmpeg pid=%d stream=%s origin=%s video=%v audio=%v", cmd.Process.Pid, req.streamID, req.origin, req.video, req.audio)

    stderrDone := make(chan struct{})
    go func() {
        defer close(stderrDone)
        b.logStderr(req.streamID, stderr)
    }()
    if video != nil {
        go func() {
            var err error
            dur := time.Second / time.Duration(b.cfg.FPS)
            if b.cfg.VideoCodec == "vp8" {
                err = readIVF(vr, video, dur)
            } else {
                err = readH264(vr, video, dur)
            }
            if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
                b.log.Debugf("stream=%s video reader: %v", req.streamID, err)
            }
        }()
    }
    if audio != nil {
        go func() {
            if err := readOgg(ar, audio); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
                b.log.Debugf("stream=%s audio reader: %v", req.streamID, err)
            }
        }()
    }
    go func() {
        // Wait closes the stderr pipe; drain it first
        <-stderrDone
        err := cmd.Wait()
        if err != nil {
            b.log.Warnf("ffmpeg pid=%d stream=%s exited: %v", cmd.Process.Pid, req.streamID, err)
        } else {
            b.log.Infof("ffmpeg pid=%d stream=%s exited", cmd.Process.Pid, req.streamID)
        }
        src.End(err)
    }()

    if err := b.ready(ctx, src); err != nil {
        incOpenFailures()
        return nil, fmt.Errorf("%s %s: %w", req.origin, req.streamID, err)
    }
    incSourcesOpened()
    return src, nil
}

func (b *Backend) logStderr(streamID string, r io.Reader) {
    sc := bufio.NewScanner(r)
    for sc.Scan() {
        line := sc.Text()
        if line == "" { continue }
        b.log.Debugf("ffmpeg[%s]: %s", streamID, line)
    }
}

func closeFiles(files ...*os.File) {
    for _, f := range files {
        if f != nil { _ = f.Close() }
    }
}

// --- demuxers ---

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// readH264 groups Annex-B NAL units into access units, split on access unit
// delimiters, and writes one sample per access unit.
func readH264(r io.Reader, t *Track, dur time.Duration) error {
    return readAccessUnits(r, func(au []byte) error {
        return t.WriteSample(media.Sample{Data: au, Duration: dur})
    })
}

func readAccessUnits(r io.Reader, emit func([]byte) error) error {
    hr, err := h264reader.NewReader(bufio.NewReaderSize(r, 1<<20))
    if err != nil { return err }
    var au bytes.Buffer
    flush := func() error {
        if au.Len() == 0 { return nil }
        out := make([]byte, au.Len())
        copy(out, au.Bytes())
        au.Reset()
        return emit(out)
    }
    for {
        nal, err := hr.NextNAL()
        if err != nil {
            if ferr := flush(); ferr != nil { return ferr }
            return err
        }
        if len(nal.Data) == 0 { continue }
        if nal.UnitType == h264reader.NalUnitTypeAUD {
            if err := flush(); err != nil { return err }
        }
        au.Write(annexBStartCode)
        au.Write(nal.Data)
    }
}

// readIVF writes one sample per IVF frame, timed from frame timestamps in the
// file's timebase and falling back to dur.
func readIVF(r io.Reader, t *Track, dur time.Duration) error {
    ivf, hdr, err := ivfreader.NewWith(r)
    if err != nil { return err }
    var tick time.Duration
    if hdr.TimebaseDenominator > 0 && hdr.TimebaseNumerator > 0 {
        tick = time.Duration(int64(time.Second) * int64(hdr.TimebaseNumerator) / int64(hdr.TimebaseDenominator))
    }
    var last uint64
    first := true
    for {
        frame, fh, err := ivf.ParseNextFrame()
        if err != nil { return err }
        d := dur
        if !first && tick > 0 && fh.Timestamp > last {
            d = time.Duration(fh.Timestamp-last) * tick
        }
        first, last = false, fh.Timestamp
        if err := t.WriteSample(media.Sample{Data: frame, Duration: d}); err != nil { return err }
    }
}

func readOgg(r io.Reader, t *Track) error {
    ogg, _, err := oggreader.NewWith(r)
    if err != nil { return err }
    var lastGranule uint64
    for {
        page, hdr, err := ogg.ParseNextPage()
        if err != nil { return err }
        if bytes.HasPrefix(page, []byte("OpusTags")) { continue }
        dur := oggDuration(hdr.GranulePosition, lastGranule)
        lastGranule = hdr.GranulePosition
        if err := t.WriteSample(media.Sample{Data: page, Duration: dur}); err != nil { return err }
    }
}

// oggDuration converts the 48kHz granule advance since the previous page into
// a sample duration. A granule that did not advance yields 20ms.
func oggDuration(granule, last uint64) time.Duration {
    if granule <= last { return 20 * time.Millisecond }
    dur := time.Duration(float64(granule-last) / 48000 * float64(time.Second))
    if dur <= 0 { return 20 * time.Millisecond }
    return dur
}
