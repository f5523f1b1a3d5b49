// Package lifecycle drives instances through their lifecycle. Every mutating
// operation runs the same sequence under a per-instance lock: precondition
// check, backend call, store reconciliation, event emission.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/backend"
	"github.com/elpendex123/ec2-creator-local/internal/metrics"
	"github.com/elpendex123/ec2-creator-local/internal/models"
	"github.com/elpendex123/ec2-creator-local/internal/policy"
	"github.com/elpendex123/ec2-creator-local/internal/storage"
)

const tracerName = "github.com/elpendex123/ec2-creator-local/internal/lifecycle"

// Notifier receives lifecycle events. Publish must not block.
type Notifier interface {
	Publish(ev models.Event)
}

type Options struct {
	// Region the eligibility policy is evaluated against; stored on each record.
	Region string
	// CallTimeout bounds every backend call on top of the backend's own limit.
	CallTimeout time.Duration
	SSHUser     string
	SSHKeyPath  string

	Locker   Locker
	Notifier Notifier
	Metrics  *metrics.Metrics
	Tracer   trace.TracerProvider
	Logger   *zap.Logger
}

// Drift compares a stored record with what its backend reports.
type Drift struct {
	Instance *models.Instance `json:"instance"`
	// BackendState is the backend's native state, or "missing" when the
	// backend no longer knows the instance.
	BackendState string `json:"backend_state"`
	Drifted      bool   `json:"drifted"`
}

// BackendMissing is the Drift.BackendState of an instance the backend lost.
const BackendMissing = "missing"

type Orchestrator struct {
	store    storage.Store
	backends *backend.Registry
	policy   policy.Policy

	region      string
	callTimeout time.Duration
	sshUser     string
	sshKey      string

	locker   Locker
	notifier Notifier
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *zap.Logger
}

func New(store storage.Store, backends *backend.Registry, pol policy.Policy, opts Options) *Orchestrator {
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker(LockWait)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.GetTracerProvider()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SSHUser == "" {
		opts.SSHUser = "ec2-user"
	}
	if opts.SSHKeyPath == "" {
		opts.SSHKeyPath = "~/.ssh/id_rsa"
	}
	return &Orchestrator{
		store:       store,
		backends:    backends,
		policy:      pol,
		region:      opts.Region,
		callTimeout: opts.CallTimeout,
		sshUser:     opts.SSHUser,
		sshKey:      opts.SSHKeyPath,
		locker:      opts.Locker,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer.Tracer(tracerName),
		logger:      opts.Logger.Named("lifecycle"),
	}
}

// begin opens the span and in-flight gauge of op. The returned func must be
// deferred with a pointer to the operation's named error.
func (o *Orchestrator) begin(ctx context.Context, op, id string) (context.Context, func(*error)) {
	ctx, span := o.tracer.Start(ctx, "lifecycle."+op)
	if id != "" {
		span.SetAttributes(attribute.String("instance.id", id))
	}
	end := o.metrics.Begin(op)
	return ctx, func(errp *error) {
		end()
		result := "ok"
		if err := *errp; err != nil {
			result = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		o.metrics.Operation(op, result)
		span.End()
	}
}

func (o *Orchestrator) lock(ctx context.Context, op, id string) (func(), error) {
	release, err := o.locker.Lock(ctx, id)
	switch {
	case err == nil:
		return release, nil
	case errors.Is(err, ErrLocked):
		return nil, &Error{Kind: KindConflict, Op: op, ID: id, Detail: ErrLocked.Error(), Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, &Error{Kind: KindBackendTimeout, Op: op, ID: id, Detail: "gave up waiting for the instance lock", Err: err}
	default:
		return nil, &Error{Kind: KindStore, Op: op, ID: id, Detail: "acquire instance lock: " + err.Error(), Err: err}
	}
}

// callBackend runs fn under the call timeout and records its span and latency.
// The call is detached from caller cancellation: a script that has started
// runs to completion or to its own timeout so the store can be reconciled.
func (o *Orchestrator) callBackend(ctx context.Context, b backend.Backend, op, id string, fn func(ctx context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	if o.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.callTimeout)
		defer cancel()
	}
	ctx, span := o.tracer.Start(ctx, "backend."+op, trace.WithAttributes(
		attribute.String("backend", b.Name()),
		attribute.String("instance.id", id),
	))
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	kind := ""
	if err != nil {
		if backend.KindOf(err) == 0 && ctx.Err() != nil {
			err = &backend.Error{Kind: backend.KindTimeout, Backend: b.Name(), Op: op, Err: err}
		}
		kind = backend.KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	o.metrics.BackendCall(b.Name(), op, time.Since(started), kind)
	return err
}

func (o *Orchestrator) backendFor(op string, inst *models.Instance) (backend.Backend, error) {
	b, err := o.backends.Get(inst.Backend)
	if err != nil {
		return nil, &Error{Kind: KindBackendUnavailable, Op: op, ID: inst.ID, Err: err}
	}
	return b, nil
}

func (o *Orchestrator) connectionHint(addr string) string {
	if addr == "" {
		return ""
	}
	return fmt.Sprintf("ssh -i %s %s@%s", o.sshKey, o.sshUser, addr)
}

func (o *Orchestrator) emit(kind models.EventKind, inst *models.Instance) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(models.Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		Instance: *inst,
		Time:     time.Now().UTC(),
	})
}

func validateSpec(spec models.CreateSpec) *Error {
	switch {
	case strings.TrimSpace(spec.Name) == "":
		return validationError("provision", "name is required")
	case strings.IndexFunc(spec.Name, unicode.IsControl) >= 0:
		return validationError("provision", "name must not contain control characters")
	case strings.TrimSpace(spec.ImageID) == "":
		return validationError("provision", "image id is required")
	case strings.TrimSpace(spec.InstanceClass) == "":
		return validationError("provision", "instance class is required")
	case spec.StorageGB < 1:
		return validationError("provision", "storage size must be at least 1 GB, got %d", spec.StorageGB)
	}
	return nil
}

// Provision creates an instance on the requested backend and records it as
// running. A create that succeeded on the backend but could not be decoded or
// recorded is left in place and reported by Orphans.
func (o *Orchestrator) Provision(ctx context.Context, spec models.CreateSpec) (inst *models.Instance, err error) {
	ctx, done := o.begin(ctx, "provision", "")
	defer done(&err)

	if verr := validateSpec(spec); verr != nil {
		return nil, verr
	}
	if !o.policy.Eligible(spec.InstanceClass, spec.ImageID, o.region) {
		return nil, &Error{
			Kind:   KindEligibilityRejected,
			Op:     "provision",
			Detail: fmt.Sprintf("instance class %q with image %q is not eligible in region %q", spec.InstanceClass, spec.ImageID, o.region),
		}
	}
	b, berr := o.backends.Get(spec.Backend)
	if berr != nil {
		return nil, validationError("provision", "%v", berr)
	}

	var created backend.Created
	err = o.callBackend(ctx, b, "create", "", func(ctx context.Context) error {
		var cerr error
		created, cerr = b.Create(ctx, spec)
		return cerr
	})
	if err != nil {
		if backend.KindOf(err) == backend.KindParse {
			o.logger.Error("create output could not be decoded; the instance may exist without a record",
				zap.String("backend", b.Name()), zap.String("name", spec.Name), zap.Error(err))
		}
		return nil, fromBackend("provision", "", err)
	}

	now := time.Now().UTC()
	inst = &models.Instance{
		ID:             created.ID,
		Name:           spec.Name,
		ImageID:        spec.ImageID,
		InstanceClass:  spec.InstanceClass,
		Region:         o.region,
		PublicAddress:  created.PublicAddress,
		ConnectionHint: o.connectionHint(created.PublicAddress),
		State:          models.StateRunning,
		Backend:        b.Name(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// the instance exists now; a caller hanging up must not leave it unrecorded
	if err := o.store.Insert(context.WithoutCancel(ctx), inst); err != nil {
		o.logger.Error("instance created but not recorded",
			zap.String("id", created.ID), zap.String("backend", b.Name()), zap.Error(err))
		return nil, fromStore("provision", created.ID, err)
	}

	o.logger.Info("instance provisioned",
		zap.String("id", inst.ID), zap.String("backend", inst.Backend), zap.String("address", inst.PublicAddress))
	o.emit(models.EventCreate, inst)
	return inst.Clone(), nil
}

// List returns every stored record, newest first. It never calls a backend.
func (o *Orchestrator) List(ctx context.Context) (list []*models.Instance, err error) {
	ctx, done := o.begin(ctx, "list", "")
	defer done(&err)

	list, err = o.store.List(ctx)
	if err != nil {
		return nil, fromStore("list", "", err)
	}
	return list, nil
}

// Get returns the stored record. It never calls a backend.
func (o *Orchestrator) Get(ctx context.Context, id string) (inst *models.Instance, err error) {
	ctx, done := o.begin(ctx, "get", id)
	defer done(&err)

	inst, err = o.store.Get(ctx, id)
	if err != nil {
		return nil, fromStore("get", id, err)
	}
	return inst, nil
}

func (o *Orchestrator) Start(ctx context.Context, id string) (*models.Instance, error) {
	return o.transition(ctx, "start", id, models.StateRunning, models.EventStart)
}

func (o *Orchestrator) Stop(ctx context.Context, id string) (*models.Instance, error) {
	return o.transition(ctx, "stop", id, models.StateStopped, models.EventStop)
}

func (o *Orchestrator) transition(ctx context.Context, op, id string, target models.State, event models.EventKind) (inst *models.Instance, err error) {
	ctx, done := o.begin(ctx, op, id)
	defer done(&err)

	release, err := o.lock(ctx, op, id)
	if err != nil {
		return nil, err
	}
	defer release()

	cur, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, fromStore(op, id, err)
	}
	if !models.CanTransition(cur.State, target) {
		return nil, &Error{Kind: KindConflict, Op: op, ID: id, Detail: fmt.Sprintf("instance is %s", cur.State)}
	}
	b, err := o.backendFor(op, cur)
	if err != nil {
		return nil, err
	}

	err = o.callBackend(ctx, b, op, id, func(ctx context.Context) error {
		if target == models.StateRunning {
			return b.Start(ctx, id)
		}
		return b.Stop(ctx, id)
	})
	if err != nil {
		o.logger.Warn("backend call failed", zap.String("op", op), zap.String("id", id), zap.Error(err))
		return nil, fromBackend(op, id, err)
	}

	ctx = context.WithoutCancel(ctx)
	var addr *storage.AddressUpdate
	if target == models.StateRunning {
		addr = o.lookupAddress(ctx, b, cur)
	}
	inst, err = o.store.UpdateState(ctx, id, target, addr)
	if err != nil {
		return nil, fromStore(op, id, err)
	}

	o.logger.Info("instance "+string(target), zap.String("id", id))
	o.emit(event, inst)
	return inst, nil
}

// lookupAddress asks the backend for the address of a just-started instance.
// Failures only cost the refresh.
func (o *Orchestrator) lookupAddress(ctx context.Context, b backend.Backend, cur *models.Instance) *storage.AddressUpdate {
	var obs models.Observed
	err := o.callBackend(ctx, b, "lookup", cur.ID, func(ctx context.Context) error {
		var lerr error
		obs, lerr = b.Lookup(ctx, cur.ID)
		return lerr
	})
	if err != nil {
		o.logger.Warn("address refresh after start failed", zap.String("id", cur.ID), zap.Error(err))
		return nil
	}
	if obs.PublicAddress == "" || obs.PublicAddress == cur.PublicAddress {
		return nil
	}
	return &storage.AddressUpdate{
		PublicAddress:  obs.PublicAddress,
		ConnectionHint: o.connectionHint(obs.PublicAddress),
	}
}

// Destroy terminates the instance on its backend and deletes the record. A
// failed backend call leaves the record untouched so the caller can retry.
func (o *Orchestrator) Destroy(ctx context.Context, id string) (err error) {
	ctx, done := o.begin(ctx, "destroy", id)
	defer done(&err)

	release, err := o.lock(ctx, "destroy", id)
	if err != nil {
		return err
	}
	defer release()

	cur, err := o.store.Get(ctx, id)
	if err != nil {
		return fromStore("destroy", id, err)
	}
	if !models.CanTransition(cur.State, models.StateTerminated) {
		return &Error{Kind: KindConflict, Op: "destroy", ID: id, Detail: fmt.Sprintf("instance is %s", cur.State)}
	}
	b, err := o.backendFor("destroy", cur)
	if err != nil {
		return err
	}

	err = o.callBackend(ctx, b, "destroy", id, func(ctx context.Context) error {
		return b.Destroy(ctx, id)
	})
	if err != nil {
		o.logger.Warn("backend call failed", zap.String("op", "destroy"), zap.String("id", id), zap.Error(err))
		return fromBackend("destroy", id, err)
	}

	deleted, err := o.store.Delete(context.WithoutCancel(ctx), id)
	if err != nil {
		return fromStore("destroy", id, err)
	}
	if !deleted {
		return &Error{Kind: KindNotFound, Op: "destroy", ID: id, Detail: "record vanished during destroy"}
	}

	last := cur.Clone()
	last.State = models.StateTerminated
	last.UpdatedAt = time.Now().UTC()
	o.logger.Info("instance destroyed", zap.String("id", id))
	o.emit(models.EventDestroy, last)
	return nil
}

// Refresh compares the record with its backend, storing a changed public
// address. The stored state is never touched; drift is only reported.
func (o *Orchestrator) Refresh(ctx context.Context, id string) (drift Drift, err error) {
	ctx, done := o.begin(ctx, "refresh", id)
	defer done(&err)

	release, err := o.lock(ctx, "refresh", id)
	if err != nil {
		return Drift{}, err
	}
	defer release()

	cur, err := o.store.Get(ctx, id)
	if err != nil {
		return Drift{}, fromStore("refresh", id, err)
	}
	b, err := o.backendFor("refresh", cur)
	if err != nil {
		return Drift{}, err
	}

	var obs models.Observed
	err = o.callBackend(ctx, b, "lookup", id, func(ctx context.Context) error {
		var lerr error
		obs, lerr = b.Lookup(ctx, id)
		return lerr
	})
	if backend.KindOf(err) == backend.KindNotFound {
		return Drift{Instance: cur, BackendState: BackendMissing, Drifted: true}, nil
	}
	if err != nil {
		return Drift{}, fromBackend("refresh", id, err)
	}

	inst := cur
	if obs.PublicAddress != "" && obs.PublicAddress != cur.PublicAddress {
		inst, err = o.store.UpdateAddress(context.WithoutCancel(ctx), id, storage.AddressUpdate{
			PublicAddress:  obs.PublicAddress,
			ConnectionHint: o.connectionHint(obs.PublicAddress),
		})
		if err != nil {
			return Drift{}, fromStore("refresh", id, err)
		}
	}
	drifted := backend.NormalizeState(obs.State) != cur.State
	if drifted {
		o.logger.Warn("instance state drifted",
			zap.String("id", id), zap.String("stored", string(cur.State)), zap.String("backend", obs.State))
	}
	return Drift{Instance: inst, BackendState: obs.State, Drifted: drifted}, nil
}

// Orphans lists live instances of the named backend that have no record,
// typically left behind by a create whose result could not be recorded.
func (o *Orchestrator) Orphans(ctx context.Context, backendName string) (orphans []models.Observed, err error) {
	ctx, done := o.begin(ctx, "orphans", "")
	defer done(&err)

	b, err := o.backends.Get(backendName)
	if err != nil {
		return nil, validationError("orphans", "%v", err)
	}
	var observed []models.Observed
	err = o.callBackend(ctx, b, "list", "", func(ctx context.Context) error {
		var lerr error
		observed, lerr = b.List(ctx)
		return lerr
	})
	if err != nil {
		return nil, fromBackend("orphans", "", err)
	}
	records, err := o.store.List(ctx)
	if err != nil {
		return nil, fromStore("orphans", "", err)
	}
	known := make(map[string]struct{}, len(records))
	for _, r := range records {
		known[r.ID] = struct{}{}
	}
	orphans = []models.Observed{}
	for _, obs := range observed {
		if _, ok := known[obs.ID]; ok {
			continue
		}
		if backend.NormalizeState(obs.State) == models.StateTerminated {
			continue
		}
		orphans = append(orphans, obs)
	}
	return orphans, nil
}
