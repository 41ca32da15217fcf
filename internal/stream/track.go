package stream

import (
    "sync"
    "sync/atomic"
    "time"

    "github.com/pion/rtp"
    "github.com/pion/webrtc/v3"
    "github.com/pion/webrtc/v3/pkg/media"
)

// Kind is the media kind of a track.
type Kind string

const (
    KindVideo Kind = "video"
    KindAudio Kind = "audio"
)

const (
    sampleQueue = 8
    // a single keyframe can span well over a hundred RTP packets
    packetQueue = 512
)

// Track is one upstream media track shared by every watcher of a stream.
// Upstream readers push encoded samples (transcoded origins) or RTP packets
// (relayed origins); watchers attach through Subscribe.
type Track struct {
    kind    Kind
    codec   webrtc.RTPCodecCapability
    label   string
    samples *fanout[media.Sample]
    packets *fanout[*rtp.Packet]

    lastWrite  atomic.Int64
    activeOnce sync.Once
    active     chan struct{}
}

// NewSampleTrack returns a track fed with whole encoded frames via WriteSample.
func NewSampleTrack(kind Kind, codec webrtc.RTPCodecCapability, label string) *Track {
    return &Track{kind: kind, codec: codec, label: label, samples: newFanout[media.Sample](sampleQueue), active: make(chan struct{})}
}

// NewRTPTrack returns a track fed with already packetized RTP via WriteRTP.
func NewRTPTrack(kind Kind, codec webrtc.RTPCodecCapability, label string) *Track {
    return &Track{kind: kind, codec: codec, label: label, packets: newFanout[*rtp.Packet](packetQueue), active: make(chan struct{})}
}

func (t *Track) Kind() Kind                       { return t.kind }
func (t *Track) Codec() webrtc.RTPCodecCapability { return t.codec }

// WriteSample fans s out to all subscribers. It is a no-op on RTP tracks.
func (t *Track) WriteSample(s media.Sample) error {
    if t.samples == nil { return nil }
    t.touch()
    incSamplesIn()
    _, dropped := t.samples.write(s)
    incDropped(dropped)
    return nil
}

// WriteRTP fans p out to all subscribers. It is a no-op on sample tracks.
// Subscribers share p, so callers must not modify it afterwards.
func (t *Track) WriteRTP(p *rtp.Packet) error {
    if t.packets == nil { return nil }
    t.touch()
    incPacketsIn()
    _, dropped := t.packets.write(p)
    incDropped(dropped)
    return nil
}

func (t *Track) touch() {
    t.lastWrite.Store(time.Now().UnixNano())
    t.activeOnce.Do(func() { close(t.active) })
}

// LastWrite reports when media last arrived; zero if never.
func (t *Track) LastWrite() time.Time {
    n := t.lastWrite.Load()
    if n == 0 { return time.Time{} }
    return time.Unix(0, n)
}

// Active is closed once the first sample or packet has been written.
func (t *Track) Active() <-chan struct{} { return t.active }

// Subscribers returns the number of attached watchers.
func (t *Track) Subscribers() int {
    if t.samples != nil { return t.samples.len() }
    return t.packets.len()
}

// Subscribe creates a local track for one watcher's peer connection and
// attaches it to the upstream feed. unsubscribe detaches it; it is idempotent.
func (t *Track) Subscribe() (local webrtc.TrackLocal, unsubscribe func(), err error) {
    if t.samples != nil {
        tr, err := webrtc.NewTrackLocalStaticSample(t.codec, string(t.kind), t.label)
        if err != nil { return nil, nil, err }
        return tr, t.samples.add(tr.WriteSample), nil
    }
    tr, err := webrtc.NewTrackLocalStaticRTP(t.codec, string(t.kind), t.label)
    if err != nil { return nil, nil, err }
    return tr, t.packets.add(tr.WriteRTP), nil
}

func (t *Track) close() {
    if t.samples != nil {
        t.samples.close()
    } else {
        t.packets.close()
    }
}

var (
    codecH264 = webrtc.RTPCodecCapability{
        MimeType:    webrtc.MimeTypeH264,
        ClockRate:   90000,
        SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
    }
    codecVP8  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
    codecOpus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"}
    codecPCMU = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}
    codecPCMA = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000, Channels: 1}
)

// CodecH264, CodecVP8 and CodecOpus are the capabilities used for transcoded
// origins; tests use them to build tracks without a backend.
func CodecH264() webrtc.RTPCodecCapability { return codecH264 }
func CodecVP8() webrtc.RTPCodecCapability  { return codecVP8 }
func CodecOpus() webrtc.RTPCodecCapability { return codecOpus }
