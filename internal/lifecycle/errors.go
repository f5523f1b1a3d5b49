package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/elpendex123/ec2-creator-local/internal/backend"
	"github.com/elpendex123/ec2-creator-local/internal/storage"
)

// Kind classifies orchestrator failures.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindEligibilityRejected
	KindNotFound
	KindConflict
	KindBackendUnavailable
	KindBackendTimeout
	KindBackendExecution
	KindBackendParse
	KindStore
)

var kindNames = map[Kind]string{
	KindValidation:          "validation",
	KindEligibilityRejected: "eligibility_rejected",
	KindNotFound:            "not_found",
	KindConflict:            "conflict",
	KindBackendUnavailable:  "backend_unavailable",
	KindBackendTimeout:      "backend_timeout",
	KindBackendExecution:    "backend_execution",
	KindBackendParse:        "backend_parse",
	KindStore:               "store",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Sentinels for errors.Is; every *Error matches the one of its kind.
var (
	ErrValidation          = errors.New("validation failed")
	ErrEligibilityRejected = errors.New("rejected by eligibility policy")
	ErrNotFound            = errors.New("instance not found")
	ErrConflict            = errors.New("conflicting operation")
	ErrBackendUnavailable  = errors.New("backend unavailable")
	ErrBackendTimeout      = errors.New("backend timeout")
	ErrBackendExecution    = errors.New("backend execution error")
	ErrBackendParse        = errors.New("backend parse error")
	ErrStore               = errors.New("store error")
)

var kindSentinels = map[Kind]error{
	KindValidation:          ErrValidation,
	KindEligibilityRejected: ErrEligibilityRejected,
	KindNotFound:            ErrNotFound,
	KindConflict:            ErrConflict,
	KindBackendUnavailable:  ErrBackendUnavailable,
	KindBackendTimeout:      ErrBackendTimeout,
	KindBackendExecution:    ErrBackendExecution,
	KindBackendParse:        ErrBackendParse,
	KindStore:               ErrStore,
}

// Error is returned by every Orchestrator operation. Detail is human readable
// and, for backend failures, carries the backend diagnostic unchanged.
type Error struct {
	Kind   Kind
	Op     string
	ID     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	msg += ": " + e.Kind.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of an orchestrator error, or 0 if err is not one.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

func validationError(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Detail: fmt.Sprintf(format, args...)}
}

var backendKinds = map[backend.Kind]Kind{
	backend.KindUnavailable: KindBackendUnavailable,
	backend.KindTimeout:     KindBackendTimeout,
	backend.KindExecution:   KindBackendExecution,
	backend.KindParse:       KindBackendParse,
	backend.KindNotFound:    KindNotFound,
}

func fromBackend(op, id string, err error) *Error {
	var be *backend.Error
	if errors.As(err, &be) {
		return &Error{Kind: backendKinds[be.Kind], Op: op, ID: id, Detail: be.Detail, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindBackendTimeout, Op: op, ID: id, Err: err}
	}
	return &Error{Kind: KindBackendExecution, Op: op, ID: id, Err: err}
}

func fromStore(op, id string, err error) *Error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, ID: id, Err: err}
	case errors.Is(err, storage.ErrExists), errors.Is(err, storage.ErrIllegalTransition):
		return &Error{Kind: KindConflict, Op: op, ID: id, Err: err}
	default:
		return &Error{Kind: KindStore, Op: op, ID: id, Err: err}
	}
}
