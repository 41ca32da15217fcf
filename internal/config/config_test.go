package config

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func envMap(m map[string]string) LookupFunc {
    return func(key string) (string, bool) {
        v, ok := m[key]
        return v, ok
    }
}

func TestLoadDefaults(t *testing.T) {
    cfg, err := Load("", nil)
    require.NoError(t, err)

    require.Len(t, cfg.Streams, 1)
    s := cfg.Streams[0]
    assert.Equal(t, "mystream", s.ID)
    assert.Equal(t, ModeAuto, s.Mode)
    assert.Equal(t, "rtsp://localhost:8554/mystream", s.RTSP)
    assert.True(t, s.Loop)
    assert.Equal(t, "ws://localhost:8080/signal", cfg.Signaling.URL)
    assert.Equal(t, DefaultRTSPOptions(), cfg.RTSPOptions)
    assert.False(t, cfg.Stats.Enabled)
    assert.True(t, cfg.Negotiation.TrickleICE)
    assert.True(t, cfg.Negotiation.AllowEmptyOffer)
    assert.Equal(t, "mystream", cfg.DefaultStreamID())
}

func TestLoadYAML(t *testing.T) {
    dir := t.TempDir()
    path := filepath.Join(dir, "gateway.yaml")
    doc := `
root_dir: /srv/cctv
log_level: debug
signaling:
  url: ws://signal.internal:8080/signal
  write_timeout: 3s
defaults:
  stream_id: lobby
  mode: rtsp
  rtsp: rtsp://cam0/live
streams:
  - id: lobby
  - id: garage
    mode: file
    file: media/garage.mp4
    loop: false
ice_servers:
  - urls: stun:stun.l.google.com:19302
  - urls: [turn:turn.internal:3478]
    username: gw
    credential: secret
stats:
  enabled: true
  interval: 2s
negotiation:
  trickle_ice: false
`
    require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

    cfg, err := Load(path, nil)
    require.NoError(t, err)

    assert.Equal(t, "debug", cfg.LogLevel)
    assert.Equal(t, "ws://signal.internal:8080/signal", cfg.Signaling.URL)
    assert.Equal(t, 3*time.Second, cfg.Signaling.WriteTimeout)
    assert.Equal(t, []string{"lobby", "garage"}, cfg.StreamIDs())

    lobby := cfg.Streams[0]
    assert.Equal(t, ModeRTSP, lobby.Mode)
    assert.Equal(t, "rtsp://cam0/live", lobby.RTSP)

    garage := cfg.Streams[1]
    assert.Equal(t, ModeFile, garage.Mode)
    assert.Equal(t, filepath.Join("/srv/cctv", "media/garage.mp4"), garage.File)
    assert.False(t, garage.Loop)

    require.Len(t, cfg.ICEServers, 2)
    assert.Equal(t, StringList{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
    assert.Equal(t, "gw", cfg.ICEServers[1].Username)
    assert.True(t, cfg.Stats.Enabled)
    assert.Equal(t, 2*time.Second, cfg.Stats.Interval)
    assert.False(t, cfg.Negotiation.TrickleICE)
}

func TestLoadMissingFile(t *testing.T) {
    _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
    require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
    cfg, err := Load("", envMap(map[string]string{
        "SIGNAL_URL":     "ws://example:9000/signal",
        "SOURCE_MODE":    "MJPEG",
        "MJPEG_URL":      "http://cam/mjpeg",
        "LOOP_FILE":      "no",
        "STATS_INTERVAL": "0.5",
        "RTSP_OPTIONS":   `{"rtsp_transport":"udp","timeout":5}`,
        "ICE_SERVERS":    `"stun:stun.example.org"`,
        "HTTP_PORT":      "9100",
    }))
    require.NoError(t, err)

    assert.Equal(t, "ws://example:9000/signal", cfg.Signaling.URL)
    s := cfg.Streams[0]
    assert.Equal(t, ModeMJPEG, s.Mode)
    assert.Equal(t, "http://cam/mjpeg", s.MJPEG)
    assert.False(t, s.Loop)
    assert.True(t, cfg.Stats.Enabled)
    assert.Equal(t, 500*time.Millisecond, cfg.Stats.Interval)
    assert.Equal(t, map[string]string{"rtsp_transport": "udp", "timeout": "5"}, cfg.RTSPOptions)
    require.Len(t, cfg.ICEServers, 1)
    assert.Equal(t, StringList{"stun:stun.example.org"}, cfg.ICEServers[0].URLs)
    assert.Equal(t, 9100, cfg.HTTP.Port)
}

func TestStreamsJSON(t *testing.T) {
    cfg, err := Load("", envMap(map[string]string{
        "ROOT_DIR":     "/opt/gw",
        "RTSP_URL":     "rtsp://fallback/live",
        "STREAMS_JSON": `[{"id":"cam1","mode":"file","file":"docs/video.mp4","loop":true},{"id":"cam2","mode":"rtsp","rtsp":"rtsp://10.0.0.9/unreachable"},{"mode":"auto"},"junk"]`,
    }))
    require.NoError(t, err)

    require.Equal(t, []string{"cam1", "cam2"}, cfg.StreamIDs())
    assert.Equal(t, filepath.Join("/opt/gw", "docs/video.mp4"), cfg.Streams[0].File)
    assert.True(t, cfg.Streams[0].Loop)
    assert.Equal(t, ModeRTSP, cfg.Streams[1].Mode)
    assert.Equal(t, "rtsp://10.0.0.9/unreachable", cfg.Streams[1].RTSP)
    // entry without an id is reported, not fatal
    assert.NotEmpty(t, cfg.Warnings)
}

func TestStreamsJSONMalformedFallsBack(t *testing.T) {
    cfg, err := Load("", envMap(map[string]string{"STREAMS_JSON": `{not json`}))
    require.NoError(t, err)
    assert.Equal(t, []string{"mystream"}, cfg.StreamIDs())
    require.Len(t, cfg.Warnings, 1)
    assert.Contains(t, cfg.Warnings[0], "STREAMS_JSON")
}

func TestLoadRejectsBadValues(t *testing.T) {
    tests := []struct {
        name string
        env  map[string]string
    }{
        {"unknown mode", map[string]string{"SOURCE_MODE": "hls"}},
        {"unknown stream mode", map[string]string{"STREAMS_JSON": `[{"id":"a","mode":"webrtc"}]`}},
        {"duplicate id", map[string]string{"STREAMS_JSON": `[{"id":"a"},{"id":"a"}]`}},
        {"bad codec", map[string]string{"VIDEO_CODEC": "av1"}},
        {"bad port", map[string]string{"HTTP_PORT": "http"}},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            _, err := Load("", envMap(tt.env))
            require.Error(t, err)
        })
    }
}

func TestParseICEServers(t *testing.T) {
    tests := []struct {
        raw  string
        want []ICEServer
    }{
        {`"stun:a"`, []ICEServer{{URLs: StringList{"stun:a"}}}},
        {`{"urls":"turn:b","username":"u","credential":"p"}`, []ICEServer{{URLs: StringList{"turn:b"}, Username: "u", Credential: "p"}}},
        {`["stun:a",{"urls":["turn:b","turn:c"]}]`, []ICEServer{{URLs: StringList{"stun:a"}}, {URLs: StringList{"turn:b", "turn:c"}}}},
    }
    for _, tt := range tests {
        got, err := ParseICEServers(tt.raw)
        require.NoError(t, err, tt.raw)
        assert.Equal(t, tt.want, got, tt.raw)
    }

    _, err := ParseICEServers(`{"username":"x"}`)
    assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
    m, err := ParseMode(" File ")
    require.NoError(t, err)
    assert.Equal(t, ModeFile, m)

    m, err = ParseMode("")
    require.NoError(t, err)
    assert.Equal(t, ModeAuto, m)

    _, err = ParseMode("srt")
    assert.Error(t, err)
}
