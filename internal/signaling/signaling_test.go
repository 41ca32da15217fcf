package signaling

import (
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/gorilla/websocket"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
    mid := "0"
    idx := uint16(0)
    cases := []struct {
        name string
        in   string
        want Event
    }{
        {"registered", `{"type":"registered","gatewaySessionId":"gw-1"}`, Registered{GatewayID: "gw-1"}},
        {"watch default stream", `{"type":"watch","clientSessionId":"c1"}`, Watch{ClientID: "c1"}},
        {"watch", `{"type":"watch","clientSessionId":"c1","streamId":"cam1"}`, Watch{ClientID: "c1", StreamID: "cam1"}},
        {"answer", `{"type":"answer","clientSessionId":"c1","sdp":"v=0"}`, Answer{ClientID: "c1", SDP: "v=0"}},
        {"ice", `{"type":"ice","clientSessionId":"c1","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`,
            ICE{ClientID: "c1", Candidate: Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}}},
        {"ice null fields", `{"type":"ice","clientSessionId":"c1","gatewaySessionId":"gw","candidate":{"candidate":"","sdpMid":null,"sdpMLineIndex":null}}`,
            ICE{ClientID: "c1", GatewayID: "gw"}},
        {"ice null candidate", `{"type":"ice","clientSessionId":"c1","candidate":null}`, ICE{ClientID: "c1"}},
        {"server error", `{"type":"error","message":"unknown client"}`, ServerError{Message: "unknown client"}},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            got, err := Decode([]byte(tc.in))
            require.NoError(t, err)
            assert.Equal(t, tc.want, got)
        })
    }
}

func TestDecodeUnknownType(t *testing.T) {
    raw := `{"type":"stats","foo":1}`
    ev, err := Decode([]byte(raw))
    require.NoError(t, err)
    u, ok := ev.(Unknown)
    require.True(t, ok)
    assert.Equal(t, "stats", u.Type)
    assert.Equal(t, "stats", Type(ev))
    assert.JSONEq(t, raw, string(u.Raw))
}

func TestDecodeMalformed(t *testing.T) {
    for _, in := range []string{
        `not json`,
        `{"sdp":"v=0"}`,
        `{"type":"registered"}`,
        `{"type":"watch"}`,
        `{"type":"answer","clientSessionId":"c1"}`,
        `{"type":"answer","sdp":"v=0"}`,
        `{"type":"ice","candidate":{"candidate":"x"}}`,
        `{"type":"ice","clientSessionId":"c1","candidate":"oops"}`,
        `{"type":"ice","clientSessionId":"c1","candidate":{"candidate":"x","sdpMLineIndex":-1}}`,
    } {
        _, err := Decode([]byte(in))
        assert.ErrorIs(t, err, ErrMalformed, in)
    }
}

// signalServer upgrades one connection and exposes it to the test.
func signalServer(t *testing.T) (string, <-chan *websocket.Conn, func()) {
    t.Helper()
    connCh := make(chan *websocket.Conn, 1)
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
        c, err := upgrader.Upgrade(w, r, nil)
        if err != nil {
            t.Errorf("upgrade: %v", err)
            return
        }
        connCh <- c
    }))
    return "ws" + strings.TrimPrefix(srv.URL, "http"), connCh, srv.Close
}

func serverConn(t *testing.T, ch <-chan *websocket.Conn) *websocket.Conn {
    t.Helper()
    select {
    case c := <-ch:
        return c
    case <-time.After(2 * time.Second):
        t.Fatal("timed out waiting for server-side WebSocket connection")
        return nil
    }
}

func TestClientRoundTrip(t *testing.T) {
    url, connCh, stop := signalServer(t)
    defer stop()

    c, err := Dial(context.Background(), url, Options{PingInterval: time.Second}, nil)
    require.NoError(t, err)
    defer c.Close()
    srv := serverConn(t, connCh)
    defer srv.Close()

    require.NoError(t, c.Register([]string{"cam1", "cam2"}))
    var reg map[string]any
    require.NoError(t, srv.ReadJSON(&reg))
    assert.Equal(t, "register", reg["type"])
    assert.Equal(t, "gateway", reg["role"])
    assert.Equal(t, []any{"cam1", "cam2"}, reg["streams"])

    var mu sync.Mutex
    var events []Event
    done := make(chan error, 1)
    go func() {
        done <- c.Run(context.Background(), func(ev Event) {
            mu.Lock()
            events = append(events, ev)
            mu.Unlock()
        })
    }()

    for _, m := range []string{
        `{"type":"registered","gatewaySessionId":"gw-1"}`,
        `{"type":"bogus"}`,
        `{"type":"watch"}`,
        `{"type":"watch","clientSessionId":"c1","streamId":"cam1"}`,
    } {
        require.NoError(t, srv.WriteMessage(websocket.TextMessage, []byte(m)))
    }
    require.Eventually(t, func() bool {
        mu.Lock()
        defer mu.Unlock()
        return len(events) == 3
    }, 2*time.Second, 5*time.Millisecond)
    mu.Lock()
    assert.Equal(t, Registered{GatewayID: "gw-1"}, events[0])
    assert.Equal(t, "bogus", Type(events[1]))
    assert.Equal(t, Watch{ClientID: "c1", StreamID: "cam1"}, events[2])
    mu.Unlock()

    mid := "0"
    idx := uint16(0)
    require.NoError(t, c.SendOffer("c1", "gw-1", "v=0"))
    require.NoError(t, c.SendICE("c1", "gw-1", Candidate{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &idx}))

    _, offer, err := srv.ReadMessage()
    require.NoError(t, err)
    assert.JSONEq(t, `{"type":"offer","sdp":"v=0","clientSessionId":"c1","gatewaySessionId":"gw-1"}`, string(offer))
    _, ice, err := srv.ReadMessage()
    require.NoError(t, err)
    assert.JSONEq(t, `{"type":"ice","clientSessionId":"c1","gatewaySessionId":"gw-1","candidate":{"candidate":"candidate:1","sdpMid":"0","sdpMLineIndex":0}}`, string(ice))

    // server going away ends Run with ErrClosed
    srv.Close()
    select {
    case err := <-done:
        assert.ErrorIs(t, err, ErrClosed)
    case <-time.After(2 * time.Second):
        t.Fatal("Run did not return after server closed")
    }
    assert.ErrorIs(t, c.SendOffer("c1", "gw-1", "v=0"), ErrClosed)
}

func TestClientRunStopsOnContext(t *testing.T) {
    url, connCh, stop := signalServer(t)
    defer stop()

    c, err := Dial(context.Background(), url, Options{}, nil)
    require.NoError(t, err)
    srv := serverConn(t, connCh)
    defer srv.Close()

    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan error, 1)
    go func() { done <- c.Run(ctx, func(Event) {}) }()
    cancel()
    select {
    case err := <-done:
        assert.ErrorIs(t, err, context.Canceled)
    case <-time.After(2 * time.Second):
        t.Fatal("Run did not return after cancel")
    }
    require.NoError(t, c.Close())
}

func TestDialFailure(t *testing.T) {
    _, err := Dial(context.Background(), "ws://127.0.0.1:1/signal", Options{}, nil)
    assert.Error(t, err)
}

func TestRegisterEncodesEmptyList(t *testing.T) {
    b, err := json.Marshal(registerMsg{Type: "register", Role: "gateway", Streams: []string{}})
    require.NoError(t, err)
    assert.JSONEq(t, `{"type":"register","role":"gateway","streams":[]}`, string(b))
}
