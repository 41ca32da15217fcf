package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "gopkg.in/yaml.v3"
)

// Mode selects which origins a stream may be opened from.
type Mode string

const (
    ModeAuto  Mode = "auto"
    ModeRTSP  Mode = "rtsp"
    ModeMJPEG Mode = "mjpeg"
    ModeFile  Mode = "file"
)

// ParseMode normalises s and rejects anything outside auto|rtsp|mjpeg|file.
func ParseMode(s string) (Mode, error) {
    m := Mode(strings.ToLower(strings.TrimSpace(s)))
    switch m {
    case ModeAuto, ModeRTSP, ModeMJPEG, ModeFile:
        return m, nil
    case "":
        return ModeAuto, nil
    }
    return "", fmt.Errorf("unknown source mode %q (expected auto|rtsp|mjpeg|file)", s)
}

// StreamConfig is one logical stream after defaults have been applied.
// It is not modified after Load returns.
type StreamConfig struct {
    ID    string `json:"id"`
    Mode  Mode   `json:"mode"`
    RTSP  string `json:"rtsp"`
    MJPEG string `json:"mjpeg"`
    File  string `json:"file"`
    Loop  bool   `json:"loop"`
}

// StreamDefaults are the process-wide values every stream inherits.
type StreamDefaults struct {
    StreamID string `yaml:"stream_id"`
    Mode     string `yaml:"mode"`
    RTSP     string `yaml:"rtsp"`
    MJPEG    string `yaml:"mjpeg"`
    File     string `yaml:"file"`
    Loop     bool   `yaml:"loop"`
}

type SignalingConfig struct {
    URL          string        `yaml:"url"`
    WriteTimeout time.Duration `yaml:"write_timeout"`
    PingInterval time.Duration `yaml:"ping_interval"`
}

type HTTPConfig struct {
    Enabled bool   `yaml:"enabled"`
    Host    string `yaml:"host"`
    Port    int    `yaml:"port"`
}

type StatsConfig struct {
    Enabled  bool          `yaml:"enabled"`
    Interval time.Duration `yaml:"interval"`
}

type MediaConfig struct {
    FFmpegPath   string        `yaml:"ffmpeg_path"`
    FFprobePath  string        `yaml:"ffprobe_path"`
    // VideoCodec is the codec ffmpeg encodes file and MJPEG origins to: h264 or vp8.
    VideoCodec   string        `yaml:"video_codec"`
    FPS          int           `yaml:"fps"`
    StallTimeout time.Duration `yaml:"stall_timeout"`
    OpenTimeout  time.Duration `yaml:"open_timeout"`
}

type NegotiationConfig struct {
    TrickleICE      bool          `yaml:"trickle_ice"`
    AllowEmptyOffer bool          `yaml:"allow_empty_offer"`
    GatherTimeout   time.Duration `yaml:"gather_timeout"`
}

type Config struct {
    RootDir      string            `yaml:"root_dir"`
    LogLevel     string            `yaml:"log_level"`
    Signaling    SignalingConfig   `yaml:"signaling"`
    HTTP         HTTPConfig        `yaml:"http"`
    Defaults     StreamDefaults    `yaml:"defaults"`
    StreamDefs   []StreamDef       `yaml:"streams"`
    ICEServers   []ICEServer       `yaml:"ice_servers"`
    RTSPOptions  map[string]string `yaml:"rtsp_options"`
    MJPEGOptions map[string]string `yaml:"mjpeg_options"`
    Stats        StatsConfig       `yaml:"stats"`
    Media        MediaConfig       `yaml:"media"`
    Negotiation  NegotiationConfig `yaml:"negotiation"`

    // Streams is the resolved stream set, in definition order.
    Streams []StreamConfig `yaml:"-"`
    // Warnings collects recoverable problems found while loading (bad JSON in
    // an env var, skipped stream entries). Callers log them once a logger exists.
    Warnings []string `yaml:"-"`
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

const defaultStreamID = "mystream"

// DefaultRTSPOptions mirror the low-latency flags the relay has always passed
// to RTSP origins.
func DefaultRTSPOptions() map[string]string {
    return map[string]string{
        "rtsp_transport":  "tcp",
        "fflags":          "nobuffer",
        "flags":           "low_delay",
        "probesize":       "32",
        "analyzeduration": "0",
    }
}

func defaultConfig() *Config {
    return &Config{
        LogLevel: "info",
        Signaling: SignalingConfig{
            URL:          "ws://localhost:8080/signal",
            WriteTimeout: 10 * time.Second,
            PingInterval: 30 * time.Second,
        },
        HTTP: HTTPConfig{Enabled: true, Host: "0.0.0.0", Port: 8090},
        Defaults: StreamDefaults{
            StreamID: defaultStreamID,
            Mode:     string(ModeAuto),
            RTSP:     "rtsp://localhost:8554/mystream",
            File:     filepath.Join("docs", "video.mp4"),
            Loop:     true,
        },
        Stats: StatsConfig{Interval: 5 * time.Second},
        Media: MediaConfig{
            FFmpegPath:   "ffmpeg",
            FFprobePath:  "ffprobe",
            VideoCodec:   "h264",
            FPS:          30,
            StallTimeout: 15 * time.Second,
            OpenTimeout:  10 * time.Second,
        },
        Negotiation: NegotiationConfig{
            TrickleICE:      true,
            AllowEmptyOffer: true,
            GatherTimeout:   5 * time.Second,
        },
    }
}

// Load reads the optional YAML file at path, applies environment overrides via
// lookup and resolves the stream set. An empty path skips the file.
func Load(path string, lookup LookupFunc) (*Config, error) {
    cfg := defaultConfig()
    if path != "" {
        data, err := os.ReadFile(path)
        if err != nil {
            return nil, err
        }
        if err := yaml.Unmarshal(data, cfg); err != nil {
            return nil, fmt.Errorf("parse %s: %w", path, err)
        }
    }
    if lookup == nil {
        lookup = func(string) (string, bool) { return "", false }
    }
    if err := cfg.applyEnv(lookup); err != nil {
        return nil, err
    }
    if err := cfg.resolve(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
    str := func(key string, dst *string) {
        if v, ok := lookup(key); ok && v != "" { *dst = v }
    }
    str("SIGNAL_URL", &c.Signaling.URL)
    str("LOG_LEVEL", &c.LogLevel)
    str("STREAM_ID", &c.Defaults.StreamID)
    str("SOURCE_MODE", &c.Defaults.Mode)
    str("RTSP_URL", &c.Defaults.RTSP)
    str("MJPEG_URL", &c.Defaults.MJPEG)
    str("LOCAL_FILE", &c.Defaults.File)
    str("HTTP_HOST", &c.HTTP.Host)
    str("FFMPEG_PATH", &c.Media.FFmpegPath)
    str("FFPROBE_PATH", &c.Media.FFprobePath)
    str("VIDEO_CODEC", &c.Media.VideoCodec)
    str("ROOT_DIR", &c.RootDir)

    if v, ok := lookup("LOOP_FILE"); ok && v != "" {
        c.Defaults.Loop = parseBool(v)
    }
    if v, ok := lookup("HTTP_PORT"); ok && v != "" {
        var port int
        if _, err := fmt.Sscanf(v, "%d", &port); err != nil {
            return fmt.Errorf("HTTP_PORT: %w", err)
        }
        c.HTTP.Port = port
    }
    if v, ok := lookup("STATS_INTERVAL"); ok && v != "" {
        var secs float64
        if _, err := fmt.Sscanf(v, "%g", &secs); err != nil {
            return fmt.Errorf("STATS_INTERVAL: %w", err)
        }
        c.Stats.Interval = time.Duration(secs * float64(time.Second))
        c.Stats.Enabled = secs > 0
    }
    if v, ok := lookup("STATS_ENABLED"); ok && v != "" {
        c.Stats.Enabled = parseBool(v)
    }
    if v, ok := lookup("ICE_SERVERS"); ok && v != "" {
        servers, err := ParseICEServers(v)
        if err != nil {
            c.Warnings = append(c.Warnings, fmt.Sprintf("failed to parse ICE_SERVERS: %v", err))
        } else {
            c.ICEServers = servers
        }
    }
    if v, ok := lookup("RTSP_OPTIONS"); ok && v != "" {
        opts, err := parseOptions(v)
        if err != nil {
            c.Warnings = append(c.Warnings, fmt.Sprintf("failed to parse RTSP_OPTIONS: %v", err))
            c.RTSPOptions = map[string]string{}
        } else {
            c.RTSPOptions = opts
        }
    }
    if v, ok := lookup("MJPEG_OPTIONS"); ok && v != "" {
        opts, err := parseOptions(v)
        if err != nil {
            c.Warnings = append(c.Warnings, fmt.Sprintf("failed to parse MJPEG_OPTIONS: %v", err))
        } else {
            c.MJPEGOptions = opts
        }
    }
    if v, ok := lookup("STREAMS_JSON"); ok && v != "" {
        defs, err := ParseStreamsJSON(v)
        if err != nil {
            c.Warnings = append(c.Warnings, fmt.Sprintf("failed to parse STREAMS_JSON: %v", err))
            c.StreamDefs = nil
        } else {
            c.StreamDefs = defs
        }
    }
    return nil
}

func (c *Config) resolve() error {
    if c.RTSPOptions == nil {
        c.RTSPOptions = DefaultRTSPOptions()
    }
    if c.MJPEGOptions == nil {
        c.MJPEGOptions = map[string]string{}
    }
    if c.Stats.Enabled && c.Stats.Interval <= 0 {
        c.Stats.Interval = 5 * time.Second
    }
    switch strings.ToLower(c.Media.VideoCodec) {
    case "h264", "vp8":
        c.Media.VideoCodec = strings.ToLower(c.Media.VideoCodec)
    default:
        return fmt.Errorf("unsupported video codec %q (expected h264|vp8)", c.Media.VideoCodec)
    }
    if c.Media.FPS <= 0 { c.Media.FPS = 30 }
    if c.Defaults.StreamID == "" { c.Defaults.StreamID = defaultStreamID }

    defMode, err := ParseMode(c.Defaults.Mode)
    if err != nil {
        return err
    }
    base := StreamConfig{
        ID:    c.Defaults.StreamID,
        Mode:  defMode,
        RTSP:  c.Defaults.RTSP,
        MJPEG: c.Defaults.MJPEG,
        File:  c.resolvePath(c.Defaults.File),
        Loop:  c.Defaults.Loop,
    }
    if len(c.StreamDefs) == 0 {
        c.Streams = []StreamConfig{base}
        return nil
    }

    seen := make(map[string]bool, len(c.StreamDefs))
    c.Streams = c.Streams[:0]
    for i, d := range c.StreamDefs {
        if d.ID == "" {
            c.Warnings = append(c.Warnings, fmt.Sprintf("stream entry %d has no id, skipped", i))
            continue
        }
        if seen[d.ID] {
            return fmt.Errorf("duplicate stream id %q", d.ID)
        }
        seen[d.ID] = true
        sc, err := d.apply(base)
        if err != nil {
            return fmt.Errorf("stream %q: %w", d.ID, err)
        }
        sc.File = c.resolvePath(sc.File)
        c.Streams = append(c.Streams, sc)
    }
    if len(c.Streams) == 0 {
        return errors.New("no usable stream definitions")
    }
    return nil
}

// resolvePath anchors relative file paths at RootDir.
func (c *Config) resolvePath(p string) string {
    if p == "" || filepath.IsAbs(p) || c.RootDir == "" {
        return p
    }
    return filepath.Join(c.RootDir, p)
}

// StreamIDs returns the configured stream identifiers in definition order.
func (c *Config) StreamIDs() []string {
    ids := make([]string, 0, len(c.Streams))
    for _, s := range c.Streams {
        ids = append(ids, s.ID)
    }
    return ids
}

// DefaultStreamID is used for watch requests that name no stream.
func (c *Config) DefaultStreamID() string {
    return c.Defaults.StreamID
}

func parseBool(v string) bool {
    switch strings.ToLower(strings.TrimSpace(v)) {
    case "1", "true", "yes", "y", "on":
        return true
    }
    return false
}
