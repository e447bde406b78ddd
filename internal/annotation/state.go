package annotation

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a transition is not allowed from the
// record's current state.
var ErrIllegalTransition = errors.New("illegal transition")

// Status is the wire name of a State.
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusDeleted Status = "deleted"
	StatusError   Status = "error"
)

// State is one of Pending, Applied, Deleted or Failed. The external key and
// the error message live on the variant that owns them, so a record cannot
// carry a key unless it is applied.
type State interface {
	Status() Status
	isState()
}

type Pending struct{}

type Applied struct {
	ExternalKey string
}

type Deleted struct{}

type Failed struct {
	Message string
}

func (Pending) Status() Status { return StatusPending }
func (Applied) Status() Status { return StatusApplied }
func (Deleted) Status() Status { return StatusDeleted }
func (Failed) Status() Status  { return StatusError }

func (Pending) isState() {}
func (Applied) isState() {}
func (Deleted) isState() {}
func (Failed) isState()  {}

// Transition computes the next state from the current one.
type Transition func(from State) (State, error)

func illegal(from State, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from.Status(), to)
}

// ApplySucceeded moves a pending record to applied.
func ApplySucceeded(externalKey string) Transition {
	return func(from State) (State, error) {
		if externalKey == "" {
			return nil, fmt.Errorf("%w: applied requires an external key", ErrIllegalTransition)
		}
		if _, ok := from.(Pending); !ok {
			return nil, illegal(from, StatusApplied)
		}
		return Applied{ExternalKey: externalKey}, nil
	}
}

// ApplyFailed moves a pending record to error.
func ApplyFailed(message string) Transition {
	return func(from State) (State, error) {
		if _, ok := from.(Pending); !ok {
			return nil, illegal(from, StatusError)
		}
		return Failed{Message: message}, nil
	}
}

// ExternallyDeleted records that the library no longer has the annotation.
func ExternallyDeleted() Transition {
	return func(from State) (State, error) {
		if _, ok := from.(Applied); !ok {
			return nil, illegal(from, StatusDeleted)
		}
		return Deleted{}, nil
	}
}

// Rejected moves an applied record to error after the backend refused it.
func Rejected(reason string) Transition {
	return func(from State) (State, error) {
		if _, ok := from.(Applied); !ok {
			return nil, illegal(from, StatusError)
		}
		return Failed{Message: reason}, nil
	}
}

// Retry puts a deleted or failed record back on the apply path.
func Retry() Transition {
	return func(from State) (State, error) {
		switch from.(type) {
		case Deleted, Failed:
			return Pending{}, nil
		}
		return nil, illegal(from, StatusPending)
	}
}

// UserDeleted is the outcome of a user delete that needed no external call,
// or whose external delete succeeded. Deleting a deleted record is a no-op.
func UserDeleted() Transition {
	return func(State) (State, error) {
		return Deleted{}, nil
	}
}

// DeleteFailed keeps the external annotation but marks the record as error.
func DeleteFailed(reason string) Transition {
	return func(from State) (State, error) {
		if _, ok := from.(Applied); !ok {
			return nil, illegal(from, StatusError)
		}
		return Failed{Message: reason}, nil
	}
}

// ToolCallFailed marks still-pending proposals of a failed tool call as error.
// Records in any other state are left as they are.
func ToolCallFailed() Transition {
	return func(from State) (State, error) {
		if _, ok := from.(Pending); ok {
			return Failed{Message: "tool call failed"}, nil
		}
		return from, nil
	}
}

// stateJSON is the flat wire form of a State.
type stateJSON struct {
	Status       Status `json:"status"`
	ExternalKey  string `json:"external_key,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func flatten(s State) stateJSON {
	out := stateJSON{Status: s.Status()}
	switch v := s.(type) {
	case Applied:
		out.ExternalKey = v.ExternalKey
	case Failed:
		out.ErrorMessage = v.Message
	}
	return out
}

// ParseState rebuilds a State from its flat form, as stored by the backend.
func ParseState(status Status, externalKey, errorMessage string) (State, error) {
	switch status {
	case StatusPending, "":
		return Pending{}, nil
	case StatusApplied:
		if externalKey == "" {
			return nil, fmt.Errorf("applied state without external key")
		}
		return Applied{ExternalKey: externalKey}, nil
	case StatusDeleted:
		return Deleted{}, nil
	case StatusError:
		return Failed{Message: errorMessage}, nil
	}
	return nil, fmt.Errorf("unknown status %q", status)
}

// ExternalKeyOf returns the external key of an applied state, or "".
func ExternalKeyOf(s State) string {
	if a, ok := s.(Applied); ok {
		return a.ExternalKey
	}
	return ""
}

// ErrorMessageOf returns the message of a failed state, or "".
func ErrorMessageOf(s State) string {
	if f, ok := s.(Failed); ok {
		return f.Message
	}
	return ""
}
