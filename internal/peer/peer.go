package peer

import (
    "context"
    "errors"
    "fmt"
    "strings"
    "sync"

    "github.com/pion/interceptor"
    "github.com/pion/logging"
    "github.com/pion/webrtc/v3"

    "camgateway/internal/config"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("peer connection closed")

// State is the transport-level connection state of a Conn.
type State int

const (
    StateNew State = iota
    StateConnecting
    StateConnected
    StateDisconnected
    StateFailed
    StateClosed
)

func (s State) String() string {
    switch s {
    case StateNew:
        return "new"
    case StateConnecting:
        return "connecting"
    case StateConnected:
        return "connected"
    case StateDisconnected:
        return "disconnected"
    case StateFailed:
        return "failed"
    case StateClosed:
        return "closed"
    }
    return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the connection cannot recover from s.
func (s State) Terminal() bool {
    return s == StateDisconnected || s == StateFailed || s == StateClosed
}

func fromPion(s webrtc.PeerConnectionState) State {
    switch s {
    case webrtc.PeerConnectionStateConnecting:
        return StateConnecting
    case webrtc.PeerConnectionStateConnected:
        return StateConnected
    case webrtc.PeerConnectionStateDisconnected:
        return StateDisconnected
    case webrtc.PeerConnectionStateFailed:
        return StateFailed
    case webrtc.PeerConnectionStateClosed:
        return StateClosed
    }
    return StateNew
}

// Event is a notification from a Conn: either a state change or a local ICE
// candidate (Candidate non-nil).
type Event struct {
    State     State
    Candidate *webrtc.ICECandidateInit
}

// Stats are cumulative outbound byte counts split by media kind.
type Stats struct {
    VideoBytes uint64
    AudioBytes uint64
}

// Config configures a Factory.
type Config struct {
    ICEServers    []webrtc.ICEServer
    LoggerFactory logging.LoggerFactory
}

// ICEServers converts configured servers to pion's form.
func ICEServers(list []config.ICEServer) []webrtc.ICEServer {
    out := make([]webrtc.ICEServer, 0, len(list))
    for _, s := range list {
        srv := webrtc.ICEServer{URLs: []string(s.URLs), Username: s.Username}
        if s.Credential != "" {
            srv.Credential = s.Credential
            srv.CredentialType = webrtc.ICECredentialTypePassword
        }
        out = append(out, srv)
    }
    return out
}

var codecs = []struct {
    kind   webrtc.RTPCodecType
    params webrtc.RTPCodecParameters
}{
    {webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{PayloadType: 102, RTPCodecCapability: webrtc.RTPCodecCapability{
        MimeType: webrtc.MimeTypeH264, ClockRate: 90000,
        SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
    }}},
    {webrtc.RTPCodecTypeVideo, webrtc.RTPCodecParameters{PayloadType: 96, RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}}},
    {webrtc.RTPCodecTypeAudio, webrtc.RTPCodecParameters{PayloadType: 111, RTPCodecCapability: webrtc.RTPCodecCapability{
        MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1",
    }}},
    {webrtc.RTPCodecTypeAudio, webrtc.RTPCodecParameters{PayloadType: 0, RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1}}},
    {webrtc.RTPCodecTypeAudio, webrtc.RTPCodecParameters{PayloadType: 8, RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000, Channels: 1}}},
}

// Factory builds peer connections that share one configured pion API.
type Factory struct {
    api *webrtc.API
    cfg webrtc.Configuration
    log logging.LeveledLogger
}

func NewFactory(cfg Config) (*Factory, error) {
    lf := cfg.LoggerFactory
    if lf == nil { lf = logging.NewDefaultLoggerFactory() }

    me := &webrtc.MediaEngine{}
    for _, c := range codecs {
        if err := me.RegisterCodec(c.params, c.kind); err != nil {
            return nil, fmt.Errorf("register %s: %w", c.params.MimeType, err)
        }
    }
    ir := &interceptor.Registry{}
    if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
        return nil, fmt.Errorf("interceptors: %w", err)
    }
    se := webrtc.SettingEngine{LoggerFactory: lf}
    api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se))
    return &Factory{
        api: api,
        cfg: webrtc.Configuration{ICEServers: cfg.ICEServers},
        log: lf.NewLogger("peer"),
    }, nil
}

// NewConn creates a fresh connection. Its Events channel starts delivering
// immediately.
func (f *Factory) NewConn() (*Conn, error) {
    pc, err := f.api.NewPeerConnection(f.cfg)
    if err != nil { return nil, err }
    c := &Conn{pc: pc, log: f.log, events: newEventQueue()}
    pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
        c.events.push(Event{State: fromPion(s)})
    })
    pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
        // nil marks the end of gathering
        if cand == nil { return }
        init := cand.ToJSON()
        c.events.push(Event{State: fromPion(pc.ConnectionState()), Candidate: &init})
    })
    return c, nil
}

// Conn is one watcher's outbound WebRTC connection.
type Conn struct {
    pc     *webrtc.PeerConnection
    log    logging.LeveledLogger
    events *eventQueue

    closeOnce sync.Once
}

// AddTrack attaches local as a sendonly transceiver preferring the track's
// own codec. If codec preferences cannot be applied the default set is
// negotiated.
func (c *Conn) AddTrack(local webrtc.TrackLocal) error {
    tr, err := c.pc.AddTransceiverFromTrack(local, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
    if err != nil {
        c.log.Debugf("transceiver for %s: %v, falling back to AddTrack", local.Kind(), err)
        sender, err := c.pc.AddTrack(local)
        if err != nil { return err }
        go drainRTCP(sender)
        return nil
    }
    if tc, ok := local.(interface{ Codec() webrtc.RTPCodecCapability }); ok {
        mime := tc.Codec().MimeType
        if err := tr.SetCodecPreferences(preferred(mime)); err != nil {
            c.log.Debugf("codec preference %s: %v", mime, err)
        }
    }
    go drainRTCP(tr.Sender())
    return nil
}

func preferred(mime string) []webrtc.RTPCodecParameters {
    var out []webrtc.RTPCodecParameters
    for _, c := range codecs {
        if strings.EqualFold(c.params.MimeType, mime) { out = append(out, c.params) }
    }
    return out
}

// drainRTCP reads RTCP so interceptors (NACK, reports) keep running.
func drainRTCP(sender *webrtc.RTPSender) {
    buf := make([]byte, 1500)
    for {
        if _, _, err := sender.Read(buf); err != nil { return }
    }
}

// CreateOffer sets and returns a local offer. With waitGathering the SDP
// includes every local candidate; otherwise candidates arrive as events.
func (c *Conn) CreateOffer(ctx context.Context, waitGathering bool) (string, error) {
    offer, err := c.pc.CreateOffer(nil)
    if err != nil { return "", err }
    var gathered <-chan struct{}
    if waitGathering { gathered = webrtc.GatheringCompletePromise(c.pc) }
    if err := c.pc.SetLocalDescription(offer); err != nil { return "", err }
    if waitGathering {
        select {
        case <-gathered:
        case <-ctx.Done():
            return "", fmt.Errorf("ice gathering: %w", ctx.Err())
        }
    }
    return c.pc.LocalDescription().SDP, nil
}

func (c *Conn) SetAnswer(sdp string) error {
    return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (c *Conn) AddICECandidate(cand webrtc.ICECandidateInit) error {
    return c.pc.AddICECandidate(cand)
}

// State returns the current connection state.
func (c *Conn) State() State { return fromPion(c.pc.ConnectionState()) }

// Stats sums bytesSent over outbound RTP streams per kind.
func (c *Conn) Stats(ctx context.Context) (Stats, error) {
    if err := ctx.Err(); err != nil { return Stats{}, err }
    if c.pc.ConnectionState() == webrtc.PeerConnectionStateClosed { return Stats{}, ErrClosed }
    var out Stats
    for _, s := range c.pc.GetStats() {
        o, ok := s.(webrtc.OutboundRTPStreamStats)
        if !ok { continue }
        switch o.Kind {
        case "video":
            out.VideoBytes += o.BytesSent
        case "audio":
            out.AudioBytes += o.BytesSent
        }
    }
    return out, nil
}

// Events delivers state changes and local candidates in order. It is closed
// after Close.
func (c *Conn) Events() <-chan Event { return c.events.out }

func (c *Conn) Close() error {
    var err error
    c.closeOnce.Do(func() {
        err = c.pc.Close()
        c.events.close()
    })
    return err
}
