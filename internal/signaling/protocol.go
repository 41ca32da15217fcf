package signaling

import (
    "encoding/json"
    "errors"
    "fmt"
)

// ErrMalformed is returned by Decode for payloads missing required fields.
var ErrMalformed = errors.New("malformed signaling message")

// Event is one decoded inbound message. The set of implementations is closed:
// Registered, Watch, Answer, ICE, ServerError and Unknown.
type Event interface {
    eventType() string
}

// Registered carries the id the server assigned to this gateway.
type Registered struct {
    GatewayID string
}

// Watch asks the gateway to start streaming to a watcher. StreamID is empty
// when the watcher wants the default stream.
type Watch struct {
    ClientID string
    StreamID string
}

type Answer struct {
    ClientID string
    SDP      string
}

// ICE carries one remote candidate for a watcher's connection.
type ICE struct {
    ClientID  string
    GatewayID string
    Candidate Candidate
}

// ServerError is reported by the server when it rejects a message.
type ServerError struct {
    Message string
}

// Unknown is any message whose type the gateway does not handle.
type Unknown struct {
    Type string
    Raw  json.RawMessage
}

func (Registered) eventType() string  { return "registered" }
func (Watch) eventType() string       { return "watch" }
func (Answer) eventType() string      { return "answer" }
func (ICE) eventType() string         { return "ice" }
func (ServerError) eventType() string { return "error" }
func (u Unknown) eventType() string   { return u.Type }

// Type returns the wire discriminator of e.
func Type(e Event) string { return e.eventType() }

// Candidate is an ICE candidate as exchanged with browsers. SDPMid and
// SDPMLineIndex are nil when the peer sent null or omitted them.
type Candidate struct {
    Candidate     string  `json:"candidate"`
    SDPMid        *string `json:"sdpMid"`
    SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

type envelope struct {
    Type             string          `json:"type"`
    GatewaySessionID string          `json:"gatewaySessionId"`
    ClientSessionID  string          `json:"clientSessionId"`
    StreamID         string          `json:"streamId"`
    SDP              string          `json:"sdp"`
    Candidate        json.RawMessage `json:"candidate"`
    Message          string          `json:"message"`
}

// Decode parses one inbound message. Unrecognised types decode to Unknown
// without error.
func Decode(data []byte) (Event, error) {
    var env envelope
    if err := json.Unmarshal(data, &env); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
    }
    switch env.Type {
    case "":
        return nil, fmt.Errorf("%w: missing type", ErrMalformed)
    case "registered":
        if env.GatewaySessionID == "" {
            return nil, fmt.Errorf("%w: registered without gatewaySessionId", ErrMalformed)
        }
        return Registered{GatewayID: env.GatewaySessionID}, nil
    case "watch":
        if env.ClientSessionID == "" {
            return nil, fmt.Errorf("%w: watch without clientSessionId", ErrMalformed)
        }
        return Watch{ClientID: env.ClientSessionID, StreamID: env.StreamID}, nil
    case "answer":
        if env.ClientSessionID == "" || env.SDP == "" {
            return nil, fmt.Errorf("%w: answer needs clientSessionId and sdp", ErrMalformed)
        }
        return Answer{ClientID: env.ClientSessionID, SDP: env.SDP}, nil
    case "ice":
        if env.ClientSessionID == "" {
            return nil, fmt.Errorf("%w: ice without clientSessionId", ErrMalformed)
        }
        ev := ICE{ClientID: env.ClientSessionID, GatewayID: env.GatewaySessionID}
        if len(env.Candidate) > 0 && string(env.Candidate) != "null" {
            if err := json.Unmarshal(env.Candidate, &ev.Candidate); err != nil {
                return nil, fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
            }
        }
        return ev, nil
    case "error":
        return ServerError{Message: env.Message}, nil
    }
    return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

type registerMsg struct {
    Type    string   `json:"type"`
    Role    string   `json:"role"`
    Streams []string `json:"streams"`
}

type offerMsg struct {
    Type             string `json:"type"`
    SDP              string `json:"sdp"`
    ClientSessionID  string `json:"clientSessionId"`
    GatewaySessionID string `json:"gatewaySessionId"`
}

type iceMsg struct {
    Type             string    `json:"type"`
    ClientSessionID  string    `json:"clientSessionId"`
    GatewaySessionID string    `json:"gatewaySessionId,omitempty"`
    Candidate        Candidate `json:"candidate"`
}
