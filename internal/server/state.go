package server

import (
	"github.com/kms-go/mediaserver/internal/pool"
)

// State of a Runner. Stopped is terminal, a runner is never restarted.
type State int32

const (
	Unstarted State = iota
	Binding
	Serving
	Stopped
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Binding:
		return "binding"
	case Serving:
		return "serving"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Reason tells why a runner reached Stopped.
type Reason int

const (
	ReasonClosed       Reason = iota // listener closed or context cancelled
	ReasonDisabled                   // no port configured
	ReasonBindFailed                 // listen failed
	ReasonPoolFailed                 // worker pool could not be created
	ReasonAcceptFailed               // accept failed irrecoverably
	ReasonFailed                     // anything else, see Result.Err
)

func (r Reason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonDisabled:
		return "disabled"
	case ReasonBindFailed:
		return "bind_failed"
	case ReasonPoolFailed:
		return "pool_failed"
	case ReasonAcceptFailed:
		return "accept_failed"
	default:
		return "failed"
	}
}

// Result is the terminal outcome of Runner.Run. Err is nil for ReasonClosed
// and ReasonDisabled.
type Result struct {
	Service string
	Reason  Reason
	Err     error
}

// Status is a point in time snapshot of a runner.
type Status struct {
	Service  string
	State    State
	Port     uint16
	Addr     string
	Accepted uint64
	Pool     pool.Stats
}
