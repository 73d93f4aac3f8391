package ecu

import (
	"fmt"
	"time"

	"github.com/shaunagostinho/goefitune/internal/protocol"
)

// Phase is the connection lifecycle stage.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseError:
		return "error"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for q := PhaseDisconnected; q <= PhaseError; q++ {
		if q.String() == string(b) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// State is one immutable connection state. Connected states carry the
// negotiated link details; Error states carry a message.
type State struct {
	Phase Phase     `json:"phase"`
	Port  string    `json:"port,omitempty"`
	At    time.Time `json:"at"`

	Signature         string           `json:"signature,omitempty"`
	Variant           protocol.Variant `json:"-"`
	Baud              int              `json:"baud,omitempty"`
	SignatureMismatch bool             `json:"signatureMismatch,omitempty"`
	ConnectionID      string           `json:"connectionId,omitempty"`

	Message string `json:"message,omitempty"`
}

// Connected reports whether commands can be sent.
func (s State) Connected() bool { return s.Phase == PhaseConnected }

func (s State) String() string {
	switch s.Phase {
	case PhaseConnected:
		return fmt.Sprintf("connected to %s at %d baud (%q)", s.Port, s.Baud, s.Signature)
	case PhaseError:
		return "error: " + s.Message
	case PhaseConnecting:
		return "connecting to " + s.Port
	}
	return s.Phase.String()
}

var transitions = map[Phase][]Phase{
	PhaseDisconnected: {PhaseConnecting},
	PhaseConnecting:   {PhaseConnected, PhaseError, PhaseDisconnected},
	PhaseConnected:    {PhaseDisconnected, PhaseError},
	PhaseError:        {PhaseConnecting, PhaseDisconnected},
}

func allowed(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
