package session

import (
	"github.com/openrcs/ftengine/internal/infodoc"
	"github.com/openrcs/ftengine/internal/xfer"
)

// EventKind is the closed set of lifecycle notifications a session emits.
type EventKind int

const (
	EventInvited EventKind = iota
	EventAutoAccepted
	EventStarted
	EventProgress
	EventPausedByUser
	EventPausedBySystem
	EventResumed
	EventTransferred
	EventError
	EventRejectedByUser
	EventRejectedByTimeout
	EventRejectedByRemote
	EventRejectedBySize
	EventAborted
)

func (k EventKind) String() string {
	switch k {
	case EventInvited:
		return "invited"
	case EventAutoAccepted:
		return "auto_accepted"
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventPausedByUser:
		return "paused_by_user"
	case EventPausedBySystem:
		return "paused_by_system"
	case EventResumed:
		return "resumed"
	case EventTransferred:
		return "transferred"
	case EventError:
		return "error"
	case EventRejectedByUser:
		return "rejected_by_user"
	case EventRejectedByTimeout:
		return "rejected_by_timeout"
	case EventRejectedByRemote:
		return "rejected_by_remote"
	case EventRejectedBySize:
		return "rejected_by_size"
	case EventAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event ends the session's lifecycle.
func (k EventKind) Terminal() bool {
	switch k {
	case EventTransferred, EventError, EventAborted,
		EventRejectedByUser, EventRejectedByTimeout,
		EventRejectedByRemote, EventRejectedBySize:
		return true
	default:
		return false
	}
}

// Event is the variant message delivered to session subscribers.
type Event struct {
	Kind        EventKind
	TransferID  string
	Direction   xfer.Direction
	Transferred int64
	Total       int64
	// Doc carries the info document on an originating EventTransferred.
	Doc *infodoc.Document
	Err error
}

// Subscriber receives session events. Progress events are delivered
// synchronously on the transfer's I/O goroutine; subscribers must not block.
type Subscriber func(Event)
