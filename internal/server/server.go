package server

import (
    "context"
    "fmt"
    "net/http"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/pion/logging"
    "github.com/shirou/gopsutil/v3/process"

    "camgateway/internal/gateway"
    "camgateway/internal/source"
    "camgateway/internal/stream"
    "camgateway/internal/version"
)

type Config struct {
    Host string
    Port int
}

func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Sessions is the part of the gateway the status API reads and controls.
type Sessions interface {
    GatewayID() string
    Sessions() []gateway.SessionInfo
    CloseSession(clientID string) bool
}

// Streams reports the source cache state.
type Streams interface {
    Snapshot() []source.EntryInfo
}

// StatusServer is a small read-mostly HTTP API over the running gateway.
type StatusServer struct {
    cfg      Config
    sessions Sessions
    streams  Streams
    log      logging.LeveledLogger
    started  time.Time
}

func NewStatusServer(cfg Config, sessions Sessions, streams Streams, lf logging.LoggerFactory) *StatusServer {
    if lf == nil { lf = logging.NewDefaultLoggerFactory() }
    return &StatusServer{cfg: cfg, sessions: sessions, streams: streams, log: lf.NewLogger("http"), started: time.Now()}
}

// Addr is the listen address for the status API.
func (s *StatusServer) Addr() string { return s.cfg.Addr() }

// Handler returns a gin engine with every route registered.
func (s *StatusServer) Handler() http.Handler {
    r := gin.New()
    r.Use(gin.Recovery(), s.accessLog(), allowCORS)
    s.RegisterRoutes(r)
    return r
}

func (s *StatusServer) RegisterRoutes(r gin.IRouter) {
    r.GET("/", func(c *gin.Context) {
        c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
    })
    r.GET("/health", s.handleHealth)
    r.GET("/streams", s.handleStreams)
    r.GET("/sessions", s.handleSessions)
    r.DELETE("/sessions/:id", s.handleCloseSession)
}

func (s *StatusServer) handleHealth(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{
        "status":    "ok",
        "version":   version.String(),
        "gatewayId": s.sessions.GatewayID(),
        "sessions":  len(s.sessions.Sessions()),
        "uptime":    time.Since(s.started).Round(time.Second).String(),
        "counters":  stream.GetCounters(),
    })
}

// ProcessInfo is resource usage of a transcoder child.
type ProcessInfo struct {
    PID        int     `json:"pid"`
    CPUPercent float64 `json:"cpuPercent"`
    RSSBytes   uint64  `json:"rssBytes"`
}

type streamStatus struct {
    source.EntryInfo
    Process *ProcessInfo `json:"process,omitempty"`
}

func (s *StatusServer) handleStreams(c *gin.Context) {
    snap := s.streams.Snapshot()
    out := make([]streamStatus, 0, len(snap))
    for _, e := range snap {
        st := streamStatus{EntryInfo: e}
        if e.PID > 0 && e.Live {
            if pi, err := processInfo(c.Request.Context(), e.PID); err == nil {
                st.Process = pi
            } else {
                s.log.Debugf("process %d: %v", e.PID, err)
            }
        }
        out = append(out, st)
    }
    c.JSON(http.StatusOK, gin.H{"streams": out})
}

func processInfo(ctx context.Context, pid int) (*ProcessInfo, error) {
    p, err := process.NewProcessWithContext(ctx, int32(pid))
    if err != nil { return nil, err }
    cpu, err := p.CPUPercentWithContext(ctx)
    if err != nil { return nil, err }
    mem, err := p.MemoryInfoWithContext(ctx)
    if err != nil { return nil, err }
    return &ProcessInfo{PID: pid, CPUPercent: cpu, RSSBytes: mem.RSS}, nil
}

func (s *StatusServer) handleSessions(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{
        "gatewayId": s.sessions.GatewayID(),
        "sessions":  s.sessions.Sessions(),
    })
}

func (s *StatusServer) handleCloseSession(c *gin.Context) {
    id := c.Param("id")
    if !s.sessions.CloseSession(id) {
        c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
        return
    }
    s.log.Infof("session %s closed via api", id)
    c.Status(http.StatusNoContent)
}

func (s *StatusServer) accessLog() gin.HandlerFunc {
    return func(c *gin.Context) {
        start := time.Now()
        c.Next()
        s.log.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
    }
}

func allowCORS(c *gin.Context) {
    origin := c.GetHeader("Origin")
    if origin == "" { origin = "*" }
    c.Header("Access-Control-Allow-Origin", origin)
    c.Header("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
    c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
    if c.Request.Method == http.MethodOptions {
        c.AbortWithStatus(http.StatusNoContent)
        return
    }
    c.Next()
}

const indexHTML = `<!doctype html>
<meta charset="utf-8" />
<title>Camera Gateway</title>
<style>body{font-family:system-ui;margin:2rem}table{border-collapse:collapse}td,th{padding:.25rem .75rem;border-bottom:1px solid #ddd;text-align:left}</style>
<h1>Camera Gateway</h1>
<div id="gw"></div>
<h2>Streams</h2>
<table id="streams"><tr><th>id</th><th>mode</th><th>origin</th><th>live</th><th>watchers</th><th>error</th></tr></table>
<h2>Sessions</h2>
<table id="sessions"><tr><th>client</th><th>stream</th><th>state</th><th>video bytes</th><th>audio bytes</th><th></th></tr></table>
<script>
const $=id=>document.getElementById(id);
const row=(t,cells)=>{const tr=t.insertRow();cells.forEach(c=>{const td=tr.insertCell();if(c instanceof Node){td.appendChild(c)}else{td.textContent=c}})};
const clear=t=>{while(t.rows.length>1)t.deleteRow(1)};
async function refresh(){
  const st=await (await fetch('/streams')).json(); clear($("streams"));
  st.streams.forEach(s=>row($("streams"),[s.streamId,s.mode,s.origin||'',s.live,s.subscribers,s.lastError||'']));
  const ss=await (await fetch('/sessions')).json(); clear($("sessions"));
  $("gw").textContent='gateway id: '+(ss.gatewayId||'(unregistered)');
  ss.sessions.forEach(s=>{const b=document.createElement('button');b.textContent='close';
    b.onclick=async()=>{await fetch('/sessions/'+encodeURIComponent(s.clientSessionId),{method:'DELETE'});refresh()};
    row($("sessions"),[s.clientSessionId,s.streamId,s.state,s.videoBytes,s.audioBytes,b])});
}
refresh(); setInterval(refresh,5000);
</script>`
