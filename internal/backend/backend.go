// Package backend defines the provisioning backend contract and its
// implementations. A backend owns process invocation, output decoding and
// mechanism-specific diagnostics; callers only see Backend and *Error.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

// Backend is a provisioning mechanism. Implementations must be safe for
// concurrent use across distinct instance ids.
type Backend interface {
	Name() string
	Create(ctx context.Context, spec models.CreateSpec) (Created, error)
	// List returns a snapshot of every instance the mechanism knows about.
	// Order is unspecified.
	List(ctx context.Context) ([]models.Observed, error)
	Lookup(ctx context.Context, id string) (models.Observed, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Destroy(ctx context.Context, id string) error
}

// Created is the result of a successful create.
type Created struct {
	ID            string
	PublicAddress string
}

// Kind classifies backend failures.
type Kind int

const (
	KindUnavailable Kind = iota + 1
	KindTimeout
	KindExecution
	KindParse
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindExecution:
		return "execution failed"
	case KindParse:
		return "unparseable output"
	case KindNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrUnavailable = errors.New("backend unavailable")
	ErrTimeout     = errors.New("backend timeout")
	ErrExecution   = errors.New("backend execution error")
	ErrParse       = errors.New("backend parse error")
	ErrNotFound    = errors.New("instance not found on backend")
)

var kindSentinels = map[Kind]error{
	KindUnavailable: ErrUnavailable,
	KindTimeout:     ErrTimeout,
	KindExecution:   ErrExecution,
	KindParse:       ErrParse,
	KindNotFound:    ErrNotFound,
}

// Error is a classified backend failure. Detail holds the mechanism's raw
// diagnostic text (stderr, unparseable output) unchanged.
type Error struct {
	Kind    Kind
	Backend string
	Op      string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Backend, e.Op, e.Kind)
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

func newError(kind Kind, backend, op, detail string, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Op: op, Detail: detail, Err: err}
}

// KindOf returns the kind of a backend error, or 0 if err is not one.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}

// LookupByList implements Lookup by filtering a full List.
func LookupByList(ctx context.Context, b Backend, id string) (models.Observed, error) {
	all, err := b.List(ctx)
	if err != nil {
		return models.Observed{}, err
	}
	for _, o := range all {
		if o.ID == id {
			return o, nil
		}
	}
	return models.Observed{}, newError(KindNotFound, b.Name(), "lookup", "instance not found: "+id, nil)
}

// Registry maps backend names to implementations.
type Registry struct {
	backends map[string]Backend
	def      string
}

// NewRegistry builds a registry. def must name one of bs.
func NewRegistry(def string, bs ...Backend) (*Registry, error) {
	r := &Registry{backends: make(map[string]Backend, len(bs)), def: def}
	for _, b := range bs {
		if _, dup := r.backends[b.Name()]; dup {
			return nil, fmt.Errorf("backend %q registered twice", b.Name())
		}
		r.backends[b.Name()] = b
	}
	if _, ok := r.backends[def]; !ok {
		return nil, fmt.Errorf("default backend %q is not configured", def)
	}
	return r, nil
}

// Get returns the named backend; an empty name selects the default.
func (r *Registry) Get(name string) (Backend, error) {
	if name == "" {
		name = r.def
	}
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	return b, nil
}

func (r *Registry) Default() string { return r.def }

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
