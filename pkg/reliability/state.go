package reliability

import "fmt"

// State is the lifecycle state of a document.
type State int

const (
	StateUnsaved             State = iota // Created and signed, not persisted
	StateQueued                           // Persisted and waiting to be sent
	StateSent                             // Received by the authority
	StateAccepted                         // Accepted by the authority
	StateRejected                         // Rejected by the authority
	StateQueuedWithSendError              // The authority reported a processing error
)

var stateNames = [...]string{
	"unsaved",
	"queued",
	"sent",
	"accepted",
	"rejected",
	"queued with send error",
}

// statusNames are the names reported to API callers.
var statusNames = [...]string{
	"pendiente",
	"pendiente",
	"enviado",
	"aceptado",
	"rechazado",
	"pendiente",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StatusName returns the name reported to callers: pendiente, enviado,
// aceptado or rechazado.
func (s State) StatusName() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "pendiente"
}

// Valid reports whether s is a defined state.
func (s State) Valid() bool {
	return s >= StateUnsaved && s <= StateQueuedWithSendError
}

// Terminal reports whether s is a final disposition.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected
}

// Direction tells which party issued a document.
type Direction byte

const (
	// Outbound documents are issued by the taxpayer.
	Outbound Direction = 'E'
	// Inbound documents are confirmation messages for received documents.
	Inbound Direction = 'R'
	// StatusQuery documents are someone else's documents looked up by key.
	StatusQuery Direction = 'C'
)

// ParseDirection converts "E", "R" or "C".
func ParseDirection(s string) (Direction, error) {
	if len(s) == 1 {
		switch d := Direction(s[0]); d {
		case Outbound, Inbound, StatusQuery:
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

func (d Direction) String() string {
	return string(rune(d))
}

// Valid reports whether d is one of the three directions.
func (d Direction) Valid() bool {
	return d == Outbound || d == Inbound || d == StatusQuery
}
