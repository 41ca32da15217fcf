package signaling

import (
    "context"
    "errors"
    "fmt"
    "net/http"
    "sync"
    "time"

    "github.com/gorilla/websocket"
    "github.com/pion/logging"
)

// ErrClosed is returned once the signaling connection is gone.
var ErrClosed = errors.New("signaling connection closed")

const (
    defaultWriteTimeout = 10 * time.Second
    closeGrace          = time.Second
)

// Options tunes the client connection. Zero values pick defaults; a zero
// PingInterval disables keepalive pings.
type Options struct {
    WriteTimeout time.Duration
    PingInterval time.Duration
    Dialer       *websocket.Dialer
    // Header is sent with the upgrade request.
    Header http.Header
}

// Client is the gateway's single control connection to the signaling server.
// Send methods are safe for concurrent use; Run must be called once.
type Client struct {
    conn *websocket.Conn
    opts Options
    log  logging.LeveledLogger

    writeMu   sync.Mutex // serialises all conn writes
    closeOnce sync.Once
    closed    chan struct{}
}

// Dial connects to the signaling endpoint at url.
func Dial(ctx context.Context, url string, opts Options, lf logging.LoggerFactory) (*Client, error) {
    if opts.WriteTimeout <= 0 { opts.WriteTimeout = defaultWriteTimeout }
    if opts.Dialer == nil { opts.Dialer = websocket.DefaultDialer }
    if lf == nil { lf = logging.NewDefaultLoggerFactory() }
    conn, _, err := opts.Dialer.DialContext(ctx, url, opts.Header)
    if err != nil { return nil, fmt.Errorf("dial %s: %w", url, err) }
    c := &Client{conn: conn, opts: opts, log: lf.NewLogger("signaling"), closed: make(chan struct{})}
    c.log.Infof("connected to %s", url)
    return c, nil
}

func (c *Client) send(v any) error {
    select {
    case <-c.closed:
        return ErrClosed
    default:
    }
    c.writeMu.Lock()
    defer c.writeMu.Unlock()
    _ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
    if err := c.conn.WriteJSON(v); err != nil {
        return fmt.Errorf("signaling write: %w", err)
    }
    return nil
}

// Register announces the gateway role and the streams it serves.
func (c *Client) Register(streams []string) error {
    if streams == nil { streams = []string{} }
    return c.send(registerMsg{Type: "register", Role: "gateway", Streams: streams})
}

func (c *Client) SendOffer(clientID, gatewayID, sdp string) error {
    return c.send(offerMsg{Type: "offer", SDP: sdp, ClientSessionID: clientID, GatewaySessionID: gatewayID})
}

func (c *Client) SendICE(clientID, gatewayID string, cand Candidate) error {
    return c.send(iceMsg{Type: "ice", ClientSessionID: clientID, GatewaySessionID: gatewayID, Candidate: cand})
}

// Run reads messages until the connection fails, ctx is done or Close is
// called, handing each decoded event to handle in arrival order. Payloads
// that fail to decode are logged and skipped. Run returns nil after Close,
// ctx.Err() on cancellation and an error wrapping ErrClosed when the server
// side went away.
func (c *Client) Run(ctx context.Context, handle func(Event)) error {
    stop := make(chan struct{})
    defer close(stop)
    go func() {
        select {
        case <-ctx.Done():
            _ = c.Close()
        case <-stop:
        }
    }()
    if c.opts.PingInterval > 0 {
        deadline := c.opts.PingInterval * 2
        _ = c.conn.SetReadDeadline(time.Now().Add(deadline))
        c.conn.SetPongHandler(func(string) error {
            return c.conn.SetReadDeadline(time.Now().Add(deadline))
        })
        go c.pingLoop(stop)
    }

    for {
        _, data, err := c.conn.ReadMessage()
        if err != nil {
            select {
            case <-c.closed:
                if ctx.Err() != nil { return ctx.Err() }
                return nil
            default:
            }
            _ = c.Close()
            return fmt.Errorf("%w: %v", ErrClosed, err)
        }
        ev, err := Decode(data)
        if err != nil {
            c.log.Warnf("dropping message: %v", err)
            continue
        }
        handle(ev)
    }
}

func (c *Client) pingLoop(stop <-chan struct{}) {
    ticker := time.NewTicker(c.opts.PingInterval)
    defer ticker.Stop()
    for {
        select {
        case <-stop:
            return
        case <-c.closed:
            return
        case <-ticker.C:
            c.writeMu.Lock()
            err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
            c.writeMu.Unlock()
            if err != nil {
                c.log.Debugf("ping: %v", err)
                return
            }
        }
    }
}

// Close sends a close frame and tears the connection down. It is idempotent.
func (c *Client) Close() error {
    var err error
    c.closeOnce.Do(func() {
        close(c.closed)
        c.writeMu.Lock()
        _ = c.conn.WriteControl(websocket.CloseMessage,
            websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
            time.Now().Add(closeGrace))
        c.writeMu.Unlock()
        err = c.conn.Close()
    })
    return err
}
