package stream

import (
    "context"
    "encoding/json"
    "fmt"
    "os/exec"
    "time"
)

const probeTimeout = 5 * time.Second

type probeOutput struct {
    Streams []struct {
        CodecType string `json:"codec_type"`
    } `json:"streams"`
}

// probeStreams asks ffprobe which media kinds a file carries.
func probeStreams(ctx context.Context, ffprobe, path string) (video, audio bool, err error) {
    ctx, cancel := context.WithTimeout(ctx, probeTimeout)
    defer cancel()
    out, err := exec.CommandContext(ctx, ffprobe,
        "-v", "error",
        "-show_entries", "stream=codec_type",
        "-of", "json",
        path,
    ).Output()
    if err != nil { return false, false, fmt.Errorf("ffprobe: %w", err) }
    return parseProbe(out)
}

func parseProbe(out []byte) (video, audio bool, err error) {
    var p probeOutput
    if err := json.Unmarshal(out, &p); err != nil {
        return false, false, fmt.Errorf("ffprobe output: %w", err)
    }
    for _, s := range p.Streams {
        switch s.CodecType {
        case "video":
            video = true
        case "audio":
            audio = true
        }
    }
    return video, audio, nil
}
