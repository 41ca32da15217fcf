package gateway

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/pion/logging"
    "github.com/pion/webrtc/v3"

    "camgateway/internal/peer"
    "camgateway/internal/signaling"
    "camgateway/internal/stream"
)

// ErrInvalidCandidate marks a remote candidate missing its candidate line,
// mid or media line index.
var ErrInvalidCandidate = errors.New("invalid ice candidate")

// Peer is the transport engine as the session sees it. *peer.Conn
// implements it.
type Peer interface {
    AddTrack(local webrtc.TrackLocal) error
    CreateOffer(ctx context.Context, waitGathering bool) (string, error)
    SetAnswer(sdp string) error
    AddICECandidate(c webrtc.ICECandidateInit) error
    Stats(ctx context.Context) (peer.Stats, error)
    Events() <-chan peer.Event
    Close() error
}

type PeerFactory func() (Peer, error)

// Sender carries outbound signaling. *signaling.Client implements it.
type Sender interface {
    SendOffer(clientID, gatewayID, sdp string) error
    SendICE(clientID, gatewayID string, c signaling.Candidate) error
}

// Sources hands out shared upstream sources. *source.Cache implements it.
type Sources interface {
    Has(streamID string) bool
    Get(ctx context.Context, streamID string) (*stream.Source, error)
    Close() error
}

type Options struct {
    // DefaultStream serves watch requests without a stream id.
    DefaultStream string
    StatsEnabled  bool
    StatsInterval time.Duration
    // TrickleICE sends local candidates as they are gathered; otherwise the
    // offer waits for gathering and carries them all.
    TrickleICE    bool
    GatherTimeout time.Duration
    // AllowEmptyOffer lets a session negotiate without media when its
    // stream could not be opened.
    AllowEmptyOffer bool
    LoggerFactory   logging.LoggerFactory
}

// Gateway owns the session registry and the source cache and reacts to
// signaling events.
type Gateway struct {
    opts     Options
    sources  Sources
    newPeer  PeerFactory
    sender   Sender
    registry *Registry
    log      logging.LeveledLogger
    slog     logging.LeveledLogger

    ctx    context.Context
    cancel context.CancelFunc
    wg     sync.WaitGroup

    mu        sync.RWMutex
    gatewayID string
    closed    bool
}

func New(opts Options, sources Sources, newPeer PeerFactory, sender Sender) *Gateway {
    if opts.LoggerFactory == nil { opts.LoggerFactory = logging.NewDefaultLoggerFactory() }
    if opts.StatsInterval <= 0 { opts.StatsInterval = 5 * time.Second }
    if opts.GatherTimeout <= 0 { opts.GatherTimeout = 5 * time.Second }
    ctx, cancel := context.WithCancel(context.Background())
    return &Gateway{
        opts:     opts,
        sources:  sources,
        newPeer:  newPeer,
        sender:   sender,
        registry: NewRegistry(),
        log:      opts.LoggerFactory.NewLogger("gateway"),
        slog:     opts.LoggerFactory.NewLogger("session"),
        ctx:      ctx,
        cancel:   cancel,
    }
}

// GatewayID is the id assigned by the signaling server, empty until the
// registered event arrives.
func (g *Gateway) GatewayID() string {
    g.mu.RLock()
    defer g.mu.RUnlock()
    return g.gatewayID
}

// HandleEvent processes one inbound signaling event. It is called from the
// signaling read loop, one event at a time.
func (g *Gateway) HandleEvent(ev signaling.Event) {
    switch e := ev.(type) {
    case signaling.Registered:
        g.mu.Lock()
        g.gatewayID = e.GatewayID
        g.mu.Unlock()
        g.log.Infof("registered as %s", e.GatewayID)
    case signaling.Watch:
        g.handleWatch(e)
    case signaling.Answer:
        g.handleAnswer(e)
    case signaling.ICE:
        g.handleICE(e)
    case signaling.ServerError:
        g.log.Warnf("signaling server error: %s", e.Message)
    case signaling.Unknown:
        g.log.Debugf("ignoring signaling message type %q", e.Type)
    default:
        g.log.Debugf("ignoring signaling event %T", ev)
    }
}

func (g *Gateway) handleWatch(ev signaling.Watch) {
    if g.isClosed() {
        g.log.Debugf("watch from %s after shutdown", ev.ClientID)
        return
    }
    streamID := ev.StreamID
    if streamID == "" { streamID = g.opts.DefaultStream }
    if !g.sources.Has(streamID) {
        g.log.Warnf("watch from %s for unknown stream %q dropped", ev.ClientID, streamID)
        return
    }
    if g.GatewayID() == "" {
        g.log.Warnf("watch from %s before registration completed", ev.ClientID)
    }

    if prev := g.registry.Get(ev.ClientID); prev != nil {
        g.closeSession(prev, "replaced by new watch")
    }

    p, err := g.newPeer()
    if err != nil {
        g.log.Errorf("client=%s create peer: %v", ev.ClientID, err)
        return
    }
    s := newSession(g.ctx, ev.ClientID, streamID, g.GatewayID, p, g.sender, g.slog)

    // Shutdown flips closed under the same lock, so a session is either
    // registered before Drain or never registered at all.
    g.mu.Lock()
    if g.closed {
        g.mu.Unlock()
        g.log.Debugf("watch from %s raced shutdown", ev.ClientID)
        if err := p.Close(); err != nil { g.slog.Debugf("client=%s close peer: %v", ev.ClientID, err) }
        return
    }
    g.registry.Put(s)
    g.wg.Add(2)
    g.mu.Unlock()
    g.log.Infof("client=%s watching stream=%s", ev.ClientID, streamID)

    go func() {
        defer g.wg.Done()
        g.watchPeer(s)
    }()
    go func() {
        defer g.wg.Done()
        if err := g.negotiate(s); err != nil {
            if errors.Is(err, errSessionClosed) {
                g.slog.Debugf("client=%s closed during negotiation", s.ClientID)
            } else {
                g.slog.Warnf("client=%s negotiation failed: %v", s.ClientID, err)
            }
            g.closeSession(s, "negotiation failed")
        }
    }()
}

func (g *Gateway) isClosed() bool {
    g.mu.RLock()
    defer g.mu.RUnlock()
    return g.closed
}

// negotiate attaches the stream's tracks and sends the offer.
func (g *Gateway) negotiate(s *Session) error {
    if !s.advance(StateNegotiating, StateCreated) { return errSessionClosed }

    src, err := g.sources.Get(s.ctx, s.StreamID)
    if err != nil {
        if !g.opts.AllowEmptyOffer || s.ctx.Err() != nil { return err }
        g.slog.Warnf("client=%s stream=%s unavailable, offering without media: %v", s.ClientID, s.StreamID, err)
    }
    if src != nil {
        for _, t := range []*stream.Track{src.Video, src.Audio} {
            if t == nil { continue }
            local, unsubscribe, err := t.Subscribe()
            if err != nil { return fmt.Errorf("subscribe %s: %w", t.Kind(), err) }
            if err := s.addUnsubscribe(unsubscribe); err != nil { return err }
            if err := s.peer.AddTrack(local); err != nil { return fmt.Errorf("add %s track: %w", t.Kind(), err) }
        }
    }

    ctx := s.ctx
    if !g.opts.TrickleICE {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(s.ctx, g.opts.GatherTimeout)
        defer cancel()
    }
    sdp, err := s.peer.CreateOffer(ctx, !g.opts.TrickleICE)
    if err != nil { return fmt.Errorf("create offer: %w", err) }
    if err := s.sendOffer(sdp); err != nil { return fmt.Errorf("send offer: %w", err) }
    g.slog.Infof("client=%s offer sent", s.ClientID)
    return nil
}

// watchPeer consumes the peer's notifications until its channel closes.
func (g *Gateway) watchPeer(s *Session) {
    for ev := range s.peer.Events() {
        if ev.Candidate != nil {
            if g.opts.TrickleICE { s.localCandidate(*ev.Candidate) }
            continue
        }
        switch {
        case ev.State == peer.StateConnected:
            if s.advance(StateConnected, StateNegotiating) && g.opts.StatsEnabled {
                s.startStats(g.opts.StatsInterval)
            }
        case ev.State.Terminal():
            g.closeSession(s, "peer "+ev.State.String())
        default:
            g.slog.Debugf("client=%s peer %s", s.ClientID, ev.State)
        }
    }
}

func (g *Gateway) handleAnswer(ev signaling.Answer) {
    s := g.registry.Get(ev.ClientID)
    if s == nil {
        g.log.Warnf("answer for unknown client %s dropped", ev.ClientID)
        return
    }
    if s.State() == StateClosed {
        g.log.Debugf("answer for closed client %s dropped", ev.ClientID)
        return
    }
    if err := s.peer.SetAnswer(ev.SDP); err != nil {
        // a later answer may still succeed
        g.slog.Warnf("client=%s set answer: %v", ev.ClientID, err)
        return
    }
    g.slog.Infof("client=%s answer applied", ev.ClientID)
}

func (g *Gateway) handleICE(ev signaling.ICE) {
    s := g.registry.Get(ev.ClientID)
    if s == nil {
        g.log.Warnf("ice for unknown client %s dropped", ev.ClientID)
        return
    }
    if own := g.GatewayID(); ev.GatewayID != "" && own != "" && ev.GatewayID != own {
        g.log.Warnf("ice for client %s addressed to gateway %s dropped", ev.ClientID, ev.GatewayID)
        return
    }
    cand, err := remoteCandidate(ev.Candidate)
    if err != nil {
        g.log.Warnf("client=%s: %v", ev.ClientID, err)
        return
    }
    if s.State() == StateClosed { return }
    if err := s.peer.AddICECandidate(cand); err != nil {
        g.slog.Warnf("client=%s add candidate: %v", ev.ClientID, err)
    }
}

func remoteCandidate(c signaling.Candidate) (webrtc.ICECandidateInit, error) {
    switch {
    case c.Candidate == "":
        return webrtc.ICECandidateInit{}, fmt.Errorf("%w: empty candidate", ErrInvalidCandidate)
    case c.SDPMid == nil:
        return webrtc.ICECandidateInit{}, fmt.Errorf("%w: missing sdpMid", ErrInvalidCandidate)
    case c.SDPMLineIndex == nil:
        return webrtc.ICECandidateInit{}, fmt.Errorf("%w: missing sdpMLineIndex", ErrInvalidCandidate)
    }
    return webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}, nil
}

// closeSession evicts s from the registry and releases it.
func (g *Gateway) closeSession(s *Session, reason string) {
    g.registry.Remove(s.ClientID, s)
    if err := s.close(reason); err != nil {
        g.slog.Debugf("client=%s close peer: %v", s.ClientID, err)
    }
}

// CloseSession closes the session for clientID, reporting whether one existed.
func (g *Gateway) CloseSession(clientID string) bool {
    s := g.registry.Get(clientID)
    if s == nil { return false }
    g.closeSession(s, "closed by operator")
    return true
}

// Sessions reports every live session.
func (g *Gateway) Sessions() []SessionInfo {
    list := g.registry.List()
    out := make([]SessionInfo, 0, len(list))
    for _, s := range list { out = append(out, s.Info()) }
    return out
}

// Shutdown stops every stats task and waits for them, then closes every
// session's connection, then releases the upstream sources. Stats task
// failures are logged, not returned.
func (g *Gateway) Shutdown(ctx context.Context) error {
    g.mu.Lock()
    if g.closed {
        g.mu.Unlock()
        return nil
    }
    g.closed = true
    g.mu.Unlock()

    sessions := g.registry.Drain()
    g.log.Infof("shutting down %d session(s)", len(sessions))

    var statsErrs []error
    for _, s := range sessions {
        if err := s.stopStats(); err != nil {
            statsErrs = append(statsErrs, fmt.Errorf("client %s: %w", s.ClientID, err))
        }
    }
    if err := errors.Join(statsErrs...); err != nil {
        g.log.Debugf("stats tasks: %v", err)
    }

    var closeErrs []error
    for _, s := range sessions {
        if err := s.close("shutdown"); err != nil {
            closeErrs = append(closeErrs, fmt.Errorf("client %s: %w", s.ClientID, err))
        }
    }
    g.cancel()

    done := make(chan struct{})
    go func() {
        g.wg.Wait()
        close(done)
    }()
    select {
    case <-done:
    case <-ctx.Done():
        closeErrs = append(closeErrs, fmt.Errorf("waiting for sessions: %w", ctx.Err()))
    }
    if err := g.sources.Close(); err != nil { closeErrs = append(closeErrs, err) }
    return errors.Join(closeErrs...)
}
