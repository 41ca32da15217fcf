package main

import (
    "context"
    "errors"
    "flag"
    "fmt"
    "log"
    "net/http"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/pion/logging"

    "camgateway/internal/config"
    "camgateway/internal/gateway"
    "camgateway/internal/peer"
    "camgateway/internal/server"
    "camgateway/internal/signaling"
    "camgateway/internal/source"
    "camgateway/internal/stream"
    "camgateway/internal/version"
)

const (
    dialTimeout     = 10 * time.Second
    shutdownTimeout = 5 * time.Second
    sweepInterval   = 5 * time.Second
)

func main() {
    configPath := flag.String("config", getEnv("CONFIG_FILE", ""), "path to YAML config")
    host := flag.String("host", "", "status API bind host")
    port := flag.Int("port", getEnvInt("PORT", 0), "status API bind port")
    signalURL := flag.String("signal", "", "signaling server websocket url")
    flag.Parse()

    cfg, err := config.Load(*configPath, os.LookupEnv)
    if err != nil {
        log.Fatalf("config: %v", err)
    }
    if *host != "" { cfg.HTTP.Host = *host }
    if *port > 0 { cfg.HTTP.Port = *port }
    if *signalURL != "" { cfg.Signaling.URL = *signalURL }

    lf := newLoggerFactory(cfg.LogLevel)
    mlog := lf.NewLogger("main")
    for _, w := range cfg.Warnings {
        mlog.Warn(w)
    }
    log.Printf("%s %s streams=%s default=%s", version.Name, version.String(),
        strings.Join(cfg.StreamIDs(), ","), cfg.DefaultStreamID())

    backend := stream.NewBackend(stream.BackendConfig{
        FFmpegPath:    cfg.Media.FFmpegPath,
        FFprobePath:   cfg.Media.FFprobePath,
        VideoCodec:    cfg.Media.VideoCodec,
        FPS:           cfg.Media.FPS,
        StallTimeout:  cfg.Media.StallTimeout,
        OpenTimeout:   cfg.Media.OpenTimeout,
        LoggerFactory: lf,
    })
    cache := source.NewCache(cfg.Streams, source.NewResolver(backend, cfg.RTSPOptions, cfg.MJPEGOptions, lf), lf)
    cache.StartSweeper(sweepInterval)

    factory, err := peer.NewFactory(peer.Config{ICEServers: peer.ICEServers(cfg.ICEServers), LoggerFactory: lf})
    if err != nil {
        log.Fatalf("webrtc: %v", err)
    }

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
    client, err := signaling.Dial(dialCtx, cfg.Signaling.URL, signaling.Options{
        WriteTimeout: cfg.Signaling.WriteTimeout,
        PingInterval: cfg.Signaling.PingInterval,
        Header:       http.Header{"User-Agent": []string{version.UserAgent()}},
    }, lf)
    cancelDial()
    if err != nil {
        log.Fatalf("signaling: %v", err)
    }

    gw := gateway.New(gateway.Options{
        DefaultStream:   cfg.DefaultStreamID(),
        StatsEnabled:    cfg.Stats.Enabled,
        StatsInterval:   cfg.Stats.Interval,
        TrickleICE:      cfg.Negotiation.TrickleICE,
        GatherTimeout:   cfg.Negotiation.GatherTimeout,
        AllowEmptyOffer: cfg.Negotiation.AllowEmptyOffer,
        LoggerFactory:   lf,
    }, cache, func() (gateway.Peer, error) {
        c, err := factory.NewConn()
        if err != nil { return nil, err }
        return c, nil
    }, client)

    if err := client.Register(cfg.StreamIDs()); err != nil {
        log.Fatalf("register: %v", err)
    }

    var srv *http.Server
    if cfg.HTTP.Enabled {
        if strings.ToLower(cfg.LogLevel) != "debug" { gin.SetMode(gin.ReleaseMode) }
        status := server.NewStatusServer(server.Config{Host: cfg.HTTP.Host, Port: cfg.HTTP.Port}, gw, cache, lf)
        srv = &http.Server{
            Addr:              status.Addr(),
            Handler:           status.Handler(),
            ReadHeaderTimeout: 10 * time.Second,
        }
        go func() {
            log.Printf("status API listening on http://%s\n", srv.Addr)
            if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
                log.Fatalf("ListenAndServe: %v", err)
            }
        }()
    }

    runErr := make(chan error, 1)
    go func() { runErr <- client.Run(ctx, gw.HandleEvent) }()

    sig := make(chan os.Signal, 1)
    signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
    exitCode := 0
    select {
    case s := <-sig:
        mlog.Infof("received %s, shutting down", s)
    case err := <-runErr:
        // the gateway cannot serve watchers without signaling
        mlog.Errorf("signaling lost: %v", err)
        exitCode = 1
    }

    shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
    defer cancelShutdown()
    if err := gw.Shutdown(shutdownCtx); err != nil {
        mlog.Warnf("gateway shutdown: %v", err)
    }
    if srv != nil {
        _ = srv.Shutdown(shutdownCtx)
    }
    if err := client.Close(); err != nil && !errors.Is(err, signaling.ErrClosed) {
        mlog.Debugf("signaling close: %v", err)
    }
    cancel()
    if exitCode != 0 {
        os.Exit(exitCode)
    }
}

func getEnv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

func getEnvInt(key string, def int) int {
    if v := os.Getenv(key); v != "" {
        var x int
        if _, err := fmt.Sscanf(v, "%d", &x); err == nil {
            return x
        }
    }
    return def
}

// gateway scopes follow LOG_LEVEL; pion's own scopes stay at warn unless
// PION_LOG_* says otherwise.
var scopes = []string{"main", "gateway", "session", "peer", "signaling", "source", "stream", "http"}

func newLoggerFactory(level string) logging.LoggerFactory {
    lf := logging.NewDefaultLoggerFactory()
    lf.DefaultLogLevel = logging.LogLevelWarn
    lvl := parseLevel(level)
    for _, s := range scopes {
        if _, set := lf.ScopeLevels[s]; !set { lf.ScopeLevels[s] = lvl }
    }
    return lf
}

func parseLevel(s string) logging.LogLevel {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "trace":
        return logging.LogLevelTrace
    case "debug":
        return logging.LogLevelDebug
    case "warn", "warning":
        return logging.LogLevelWarn
    case "error":
        return logging.LogLevelError
    case "off", "disabled":
        return logging.LogLevelDisabled
    }
    return logging.LogLevelInfo
}
