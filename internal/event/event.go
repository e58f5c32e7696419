package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	SessionOpened Type = iota + 1
	SessionClosed
	TransferStarted
	TransferProgress
	TransferCompleted
	TransferFailed
	TransferCanceled
	FileDeleted
)

var typeNames = [...]string{
	SessionOpened:     "SessionOpened",
	SessionClosed:     "SessionClosed",
	TransferStarted:   "TransferStarted",
	TransferProgress:  "TransferProgress",
	TransferCompleted: "TransferCompleted",
	TransferFailed:    "TransferFailed",
	TransferCanceled:  "TransferCanceled",
	FileDeleted:       "FileDeleted",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single lifecycle event from the file service.
type Event struct {
	Timestamp time.Time
	Error     error
	Type      Type
	Session   string // session ID
	Path      string // display name of the file
	Direction string // upload, download, resume
	Size      int64  // bytes moved so far
	Total     int64  // declared size
}

// Emit sends e on ch without blocking. A nil channel or a full buffer drops
// the event.
func Emit(ch chan<- Event, e Event) {
	if ch == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case ch <- e:
	default:
	}
}
