package config

import (
    "encoding/json"
    "errors"
    "fmt"
    "strings"

    "gopkg.in/yaml.v3"
)

// StreamDef is a stream definition as written in STREAMS_JSON or the YAML
// streams list. Unset fields inherit the process defaults.
type StreamDef struct {
    ID    string  `yaml:"id" json:"id"`
    Mode  *string `yaml:"mode" json:"mode"`
    RTSP  *string `yaml:"rtsp" json:"rtsp"`
    MJPEG *string `yaml:"mjpeg" json:"mjpeg"`
    File  *string `yaml:"file" json:"file"`
    Loop  *bool   `yaml:"loop" json:"loop"`
}

func (d StreamDef) apply(base StreamConfig) (StreamConfig, error) {
    sc := base
    sc.ID = d.ID
    if d.Mode != nil && *d.Mode != "" {
        m, err := ParseMode(*d.Mode)
        if err != nil {
            return sc, err
        }
        sc.Mode = m
    }
    if d.RTSP != nil && *d.RTSP != "" { sc.RTSP = *d.RTSP }
    if d.MJPEG != nil && *d.MJPEG != "" { sc.MJPEG = *d.MJPEG }
    if d.File != nil && *d.File != "" { sc.File = *d.File }
    if d.Loop != nil { sc.Loop = *d.Loop }
    return sc, nil
}

// ParseStreamsJSON decodes a JSON array of stream definitions. Entries that
// are not objects are ignored.
func ParseStreamsJSON(raw string) ([]StreamDef, error) {
    var items []json.RawMessage
    if err := json.Unmarshal([]byte(raw), &items); err != nil {
        return nil, err
    }
    defs := make([]StreamDef, 0, len(items))
    for _, item := range items {
        trimmed := strings.TrimSpace(string(item))
        if !strings.HasPrefix(trimmed, "{") {
            continue
        }
        var d StreamDef
        if err := json.Unmarshal(item, &d); err != nil {
            return nil, err
        }
        defs = append(defs, d)
    }
    return defs, nil
}

// ICEServer is one STUN/TURN server entry.
type ICEServer struct {
    URLs       StringList `yaml:"urls" json:"urls"`
    Username   string     `yaml:"username" json:"username,omitempty"`
    Credential string     `yaml:"credential" json:"credential,omitempty"`
}

// StringList accepts either a single string or a list of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
    var one string
    if err := json.Unmarshal(data, &one); err == nil {
        *l = StringList{one}
        return nil
    }
    var many []string
    if err := json.Unmarshal(data, &many); err != nil {
        return err
    }
    *l = many
    return nil
}

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
    if node.Kind == yaml.ScalarNode {
        *l = StringList{node.Value}
        return nil
    }
    var many []string
    if err := node.Decode(&many); err != nil {
        return err
    }
    *l = many
    return nil
}

// ParseICEServers accepts a JSON string ("stun:..."), a single server object,
// or a list mixing both forms.
func ParseICEServers(raw string) ([]ICEServer, error) {
    var items []json.RawMessage
    trimmed := strings.TrimSpace(raw)
    if strings.HasPrefix(trimmed, "[") {
        if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
            return nil, err
        }
    } else {
        items = []json.RawMessage{json.RawMessage(trimmed)}
    }
    servers := make([]ICEServer, 0, len(items))
    for _, item := range items {
        var url string
        if err := json.Unmarshal(item, &url); err == nil {
            servers = append(servers, ICEServer{URLs: StringList{url}})
            continue
        }
        var s ICEServer
        if err := json.Unmarshal(item, &s); err != nil {
            return nil, err
        }
        if len(s.URLs) == 0 {
            return nil, errors.New("ice server entry without urls")
        }
        servers = append(servers, s)
    }
    return servers, nil
}

// parseOptions decodes a flat JSON object; non-string values are stringified.
func parseOptions(raw string) (map[string]string, error) {
    var m map[string]any
    if err := json.Unmarshal([]byte(raw), &m); err != nil {
        return nil, err
    }
    out := make(map[string]string, len(m))
    for k, v := range m {
        switch t := v.(type) {
        case string:
            out[k] = t
        case nil:
            out[k] = ""
        default:
            out[k] = fmt.Sprint(t)
        }
    }
    return out, nil
}
