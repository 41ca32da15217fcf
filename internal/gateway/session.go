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
)

// State is the negotiation state of a watcher session.
type State int

const (
    StateCreated State = iota
    StateNegotiating
    StateConnected
    StateClosed
)

func (s State) String() string {
    switch s {
    case StateCreated:
        return "CREATED"
    case StateNegotiating:
        return "NEGOTIATING"
    case StateConnected:
        return "CONNECTED"
    case StateClosed:
        return "CLOSED"
    }
    return fmt.Sprintf("State(%d)", int(s))
}

// Session drives one watcher's connection from watch to teardown.
type Session struct {
    ClientID  string
    StreamID  string
    CreatedAt time.Time

    // gatewayID is read on every send.
    gatewayID func() string
    peer      Peer
    sender Sender
    log    logging.LeveledLogger
    ctx    context.Context
    cancel context.CancelFunc

    mu          sync.Mutex
    state       State
    connectedAt time.Time
    lastStats   peer.Stats
    unsubs      []func()

    // sendMu orders the offer ahead of every local candidate
    sendMu    sync.Mutex
    offerSent bool
    pending   []webrtc.ICECandidateInit

    statsOnce sync.Once
    stats     *statsTask
    closeOnce sync.Once
}

func newSession(parent context.Context, clientID, streamID string, gatewayID func() string, p Peer, sender Sender, log logging.LeveledLogger) *Session {
    ctx, cancel := context.WithCancel(parent)
    return &Session{
        ClientID:  clientID,
        StreamID:  streamID,
        gatewayID: gatewayID,
        CreatedAt: time.Now(),
        peer:      p,
        sender:    sender,
        log:       log,
        ctx:       ctx,
        cancel:    cancel,
        state:     StateCreated,
    }
}

func (s *Session) State() State {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.state
}

// advance moves from one of the allowed states to next and reports whether
// the transition happened.
func (s *Session) advance(next State, from ...State) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    for _, f := range from {
        if s.state == f {
            s.state = next
            if next == StateConnected { s.connectedAt = time.Now() }
            s.log.Infof("client=%s %s -> %s", s.ClientID, f, next)
            return true
        }
    }
    return false
}

// addUnsubscribe records fn for close. A session that is already closed
// runs fn at once and reports errSessionClosed.
func (s *Session) addUnsubscribe(fn func()) error {
    s.mu.Lock()
    if s.state == StateClosed {
        s.mu.Unlock()
        fn()
        return errSessionClosed
    }
    s.unsubs = append(s.unsubs, fn)
    s.mu.Unlock()
    return nil
}

// sendOffer transmits sdp and then any local candidates gathered so far.
func (s *Session) sendOffer(sdp string) error {
    s.sendMu.Lock()
    defer s.sendMu.Unlock()
    if s.State() == StateClosed { return errSessionClosed }
    if err := s.sender.SendOffer(s.ClientID, s.gatewayID(), sdp); err != nil { return err }
    s.offerSent = true
    pending := s.pending
    s.pending = nil
    for _, c := range pending {
        if err := s.sender.SendICE(s.ClientID, s.gatewayID(), toSignaling(c)); err != nil {
            s.log.Warnf("client=%s send ice: %v", s.ClientID, err)
        }
    }
    return nil
}

// localCandidate forwards c, holding it back until the offer is out.
func (s *Session) localCandidate(c webrtc.ICECandidateInit) {
    s.sendMu.Lock()
    defer s.sendMu.Unlock()
    if !s.offerSent {
        s.pending = append(s.pending, c)
        return
    }
    if err := s.sender.SendICE(s.ClientID, s.gatewayID(), toSignaling(c)); err != nil {
        s.log.Warnf("client=%s send ice: %v", s.ClientID, err)
    }
}

var errSessionClosed = errors.New("session closed")

// statsTask periodically logs outbound byte counters until cancelled.
type statsTask struct {
    cancel context.CancelFunc
    done   chan struct{}
    err    error
}

func (s *Session) startStats(interval time.Duration) {
    s.statsOnce.Do(func() {
        ctx, cancel := context.WithCancel(s.ctx)
        t := &statsTask{cancel: cancel, done: make(chan struct{})}
        s.mu.Lock()
        s.stats = t
        s.mu.Unlock()
        go func() {
            defer close(t.done)
            t.err = s.statsLoop(ctx, interval)
        }()
    })
}

func (s *Session) statsLoop(ctx context.Context, interval time.Duration) error {
    ticker := time.NewTicker(interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return nil
        case <-ticker.C:
        }
        st, err := s.peer.Stats(ctx)
        if err != nil {
            if errors.Is(err, peer.ErrClosed) { return err }
            s.log.Debugf("client=%s stats: %v", s.ClientID, err)
            continue
        }
        s.mu.Lock()
        s.lastStats = st
        s.mu.Unlock()
        s.log.Infof("STATS client=%s video_bytes=%d audio_bytes=%d", s.ClientID, st.VideoBytes, st.AudioBytes)
    }
}

// stopStats cancels the stats task and waits for it. The returned error is
// whatever the task itself failed with.
func (s *Session) stopStats() error {
    s.mu.Lock()
    t := s.stats
    s.mu.Unlock()
    if t == nil { return nil }
    t.cancel()
    <-t.done
    return t.err
}

// close tears the session down: stats first, then tracks and the peer.
func (s *Session) close(reason string) error {
    var err error
    s.closeOnce.Do(func() {
        s.mu.Lock()
        prev := s.state
        s.state = StateClosed
        unsubs := s.unsubs
        s.unsubs = nil
        s.mu.Unlock()
        s.log.Infof("client=%s %s -> %s (%s)", s.ClientID, prev, StateClosed, reason)

        s.cancel()
        if serr := s.stopStats(); serr != nil {
            s.log.Debugf("client=%s stats task: %v", s.ClientID, serr)
        }
        for _, fn := range unsubs { fn() }
        err = s.peer.Close()
    })
    return err
}

// SessionInfo describes a session for status reporting.
type SessionInfo struct {
    ClientID    string    `json:"clientSessionId"`
    StreamID    string    `json:"streamId"`
    State       string    `json:"state"`
    CreatedAt   time.Time `json:"createdAt"`
    ConnectedAt time.Time `json:"connectedAt,omitempty"`
    VideoBytes  uint64    `json:"videoBytes"`
    AudioBytes  uint64    `json:"audioBytes"`
}

func (s *Session) Info() SessionInfo {
    s.mu.Lock()
    defer s.mu.Unlock()
    return SessionInfo{
        ClientID:    s.ClientID,
        StreamID:    s.StreamID,
        State:       s.state.String(),
        CreatedAt:   s.CreatedAt,
        ConnectedAt: s.connectedAt,
        VideoBytes:  s.lastStats.VideoBytes,
        AudioBytes:  s.lastStats.AudioBytes,
    }
}

func toSignaling(c webrtc.ICECandidateInit) signaling.Candidate {
    return signaling.Candidate{Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}
}
